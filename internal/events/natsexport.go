package events

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSExporter mirrors events onto NATS subjects so out-of-process
// consumers (Discord/IRC relays, log shippers) can follow the network
// without holding an API session. Subjects are <prefix>.<event_type>.
type NATSExporter struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSExporter connects to url. The connection retries forever in
// the background; publishes while disconnected are buffered by the
// client up to its pending limit.
func NewNATSExporter(url, prefix string, logger zerolog.Logger) (*NATSExporter, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.Name("i3gateway"),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSExporter{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "nats_export").Logger(),
	}, nil
}

// Export publishes the already-marshalled event frame.
func (x *NATSExporter) Export(e Event, payload []byte) {
	subject := x.prefix + "." + e.Type
	if err := x.conn.Publish(subject, payload); err != nil {
		x.logger.Warn().Err(err).Str("subject", subject).Msg("event export failed")
	}
}

// Close drains and closes the connection.
func (x *NATSExporter) Close() {
	if err := x.conn.Drain(); err != nil {
		x.logger.Warn().Err(err).Msg("nats drain failed")
	}
}
