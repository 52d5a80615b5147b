// Package router maintains the upstream connection to an intermud
// router: dialing with failover, the startup handshake, keepalives, and
// reconnection with jittered exponential backoff.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/logging"
	"github.com/LuminariMUD/i3gateway/internal/metrics"
	"github.com/LuminariMUD/i3gateway/internal/state"
	"github.com/LuminariMUD/i3gateway/pkg/lpc"
	"github.com/LuminariMUD/i3gateway/pkg/packet"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var ErrNotConnected = errors.New("router: not connected")

// Conn is the managed router connection. Run owns the lifecycle; Send
// queues packets for the writer.
type Conn struct {
	cfg     config.RouterConfig
	mud     config.MudConfig
	store   *state.Store
	codec   *lpc.Codec
	logger  zerolog.Logger
	metrics *metrics.Registry

	// OnPacket receives every inbound packet after the connection-level
	// ones (startup-reply, mudlist, chanlist-reply) have updated state.
	OnPacket func(packet.Packet)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(old, next State, router string)

	// OnMudlistChanges and OnChanlistChanges observe the transitions a
	// list diff caused, after the store was updated.
	OnMudlistChanges  func([]state.MudChange)
	OnChanlistChanges func([]state.ChannelChange)

	state   atomic.Int32
	current atomic.Int32 // index into cfg.Routers
	lastIO  atomic.Int64 // unix nanos of the last frame in or out

	sendCh chan packet.Packet

	// forceReconnect drops the current connection without stopping Run.
	forceReconnect chan struct{}
}

// New builds an unstarted connection manager.
func New(cfg config.RouterConfig, mud config.MudConfig, store *state.Store, logger zerolog.Logger, reg *metrics.Registry) *Conn {
	codec := &lpc.Codec{MaxFrame: cfg.MaxFrameSize}
	return &Conn{
		cfg:            cfg,
		mud:            mud,
		store:          store,
		codec:          codec,
		logger:         logger.With().Str("component", "router").Logger(),
		metrics:        reg,
		sendCh:         make(chan packet.Packet, 256),
		forceReconnect: make(chan struct{}, 1),
	}
}

// State returns the current lifecycle phase.
func (c *Conn) State() State { return State(c.state.Load()) }

// Ready reports whether traffic may be sent.
func (c *Conn) Ready() bool { return c.State() == StateReady }

// CurrentRouter names the endpoint currently in use.
func (c *Conn) CurrentRouter() config.RouterEndpoint {
	return c.cfg.Routers[int(c.current.Load())%len(c.cfg.Routers)]
}

// Send queues a packet for the router. Fails when not connected.
func (c *Conn) Send(p packet.Packet) error {
	s := c.State()
	if s != StateConnected && s != StateReady {
		return ErrNotConnected
	}
	select {
	case c.sendCh <- p:
		return nil
	default:
		return fmt.Errorf("router: send queue full")
	}
}

// Reconnect drops the current connection; Run dials again. Used by the
// admin API and when switching routers.
func (c *Conn) Reconnect() {
	select {
	case c.forceReconnect <- struct{}{}:
	default:
	}
}

func (c *Conn) setState(next State) {
	old := State(c.state.Swap(int32(next)))
	if old == next {
		return
	}
	router := c.CurrentRouter()
	if c.metrics != nil {
		c.metrics.RouterState.Set(float64(next))
	}
	c.logger.Info().
		Str("old", old.String()).
		Str("new", next.String()).
		Str("router", router.Name).
		Msg("connection state changed")
	if c.OnStateChange != nil {
		c.OnStateChange(old, next, router.Name)
	}
}

// Run connects and reconnects until ctx is cancelled. Backoff grows
// exponentially with full jitter and resets once the handshake
// completes; each failed attempt rotates to the next router.
func (c *Conn) Run(ctx context.Context) {
	defer c.setState(StateClosing)
	backoff := c.cfg.BackoffBase
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := c.cfg.BackoffCap
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.RouterReconnects.Inc()
			}
			delay := time.Duration(rand.Int63n(int64(backoff) + 1))
			c.logger.Info().
				Dur("delay", delay).
				Str("router", c.CurrentRouter().Name).
				Msg("reconnecting after backoff")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		becameReady, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("router", c.CurrentRouter().Name).Msg("router connection lost")
		}
		if becameReady {
			backoff = c.cfg.BackoffBase
			if backoff <= 0 {
				backoff = time.Second
			}
		} else {
			// Failed before completing the handshake: try the next router.
			c.current.Add(1)
		}
	}
}

// runOnce performs a single connect/serve cycle. becameReady reports
// whether the handshake completed, which resets backoff and keeps the
// current router.
func (c *Conn) runOnce(ctx context.Context) (becameReady bool, err error) {
	endpoint := c.CurrentRouter()
	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", endpoint.Address)
	if err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("dial %s: %w", endpoint.Address, err)
	}
	defer netConn.Close()
	c.setState(StateConnected)
	c.touchIO()

	// Drain any send backlog from the previous connection; its packets
	// predate the handshake and would arrive out of order.
	c.drainSendQueue()

	if err := c.writePacket(netConn, c.startupPacket(endpoint.Name)); err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("startup send: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(c.logger, "router.writer")
		writeErr <- c.writeLoop(connCtx, netConn)
	}()

	readErr := make(chan error, 1)
	ready := make(chan struct{}, 1)
	go func() {
		defer logging.RecoverPanic(c.logger, "router.reader")
		readErr <- c.readLoop(netConn, ready)
	}()

	keepalive := time.NewTicker(c.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return becameReady, nil
		case <-c.forceReconnect:
			c.setState(StateDisconnected)
			return becameReady, errors.New("reconnect requested")
		case <-ready:
			becameReady = true
			c.setState(StateReady)
		case <-keepalive.C:
			// Only a quiet link needs a keepalive; any frame in either
			// direction resets the clock.
			if c.State() == StateReady && c.idleSince() >= c.keepaliveInterval() {
				c.enqueueKeepalive()
			}
		case err := <-writeErr:
			c.setState(StateDisconnected)
			return becameReady, err
		case err := <-readErr:
			c.setState(StateDisconnected)
			return becameReady, err
		}
	}
}

func (c *Conn) keepaliveInterval() time.Duration {
	if c.cfg.KeepaliveInterval > 0 {
		return c.cfg.KeepaliveInterval
	}
	return 60 * time.Second
}

func (c *Conn) connectionTimeout() time.Duration {
	if c.cfg.ConnectionTimeout > 0 {
		return c.cfg.ConnectionTimeout
	}
	return 300 * time.Second
}

func (c *Conn) touchIO() {
	c.lastIO.Store(time.Now().UnixNano())
}

// idleSince reports how long the link has been without traffic.
func (c *Conn) idleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastIO.Load()))
}

func (c *Conn) drainSendQueue() {
	for {
		select {
		case <-c.sendCh:
		default:
			return
		}
	}
}

// startupPacket builds the 20-field handshake from configuration and
// the persisted replica counters.
func (c *Conn) startupPacket(routerName string) *packet.StartupReq3 {
	mudlistID, chanlistID := c.store.IDs()
	services := make(map[string]any, len(c.mud.Services))
	for name, on := range c.mud.Services {
		services[name] = on
	}
	return &packet.StartupReq3{
		Hdr: packet.Header{
			TTL:           packet.TTLCeiling,
			OriginatorMud: c.mud.Name,
			TargetMud:     routerName,
		},
		Password:      c.store.Password(),
		OldMudlistID:  mudlistID,
		OldChanlistID: chanlistID,
		PlayerPort:    c.mud.PlayerPort,
		IMudTCPPort:   c.mud.TCPPort,
		IMudUDPPort:   c.mud.UDPPort,
		Mudlib:        c.mud.Mudlib,
		BaseMudlib:    c.mud.BaseMudlib,
		Driver:        c.mud.Driver,
		MudType:       c.mud.MudType,
		OpenStatus:    c.mud.OpenStatus,
		AdminEmail:    c.mud.AdminEmail,
		Services:      services,
	}
}

func (c *Conn) enqueueKeepalive() {
	ka := &packet.OOBReq{
		Hdr: packet.Header{
			TTL:           packet.TTLCeiling,
			OriginatorMud: c.mud.Name,
			TargetMud:     c.CurrentRouter().Name,
		},
	}
	if err := c.Send(ka); err != nil {
		c.logger.Warn().Err(err).Msg("keepalive not queued")
	}
}

func (c *Conn) writeLoop(ctx context.Context, netConn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-c.sendCh:
			if err := c.writePacket(netConn, p); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) writePacket(netConn net.Conn, p packet.Packet) error {
	frame, err := c.codec.EncodeFrame(packet.ToSequence(p))
	if err != nil {
		if c.metrics != nil {
			c.metrics.PacketErrors.WithLabelValues("encode").Inc()
		}
		return fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	if deadline := c.cfg.DialTimeout; deadline > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(deadline))
	}
	if _, err := netConn.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", p.Kind(), err)
	}
	c.touchIO()
	if c.metrics != nil {
		c.metrics.PacketsSent.WithLabelValues(string(p.Kind())).Inc()
		c.metrics.FrameBytesSent.Add(float64(len(frame)))
	}
	return nil
}

// countingReader tracks raw bytes read for the frame metrics.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// readLoop decodes frames until the connection dies. Corrupt framing is
// fatal to the connection; an invalid packet inside a valid frame is
// logged and skipped.
func (c *Conn) readLoop(netConn net.Conn, ready chan<- struct{}) error {
	lastReplacements := c.codec.UTF8Replacements()
	reader := &countingReader{r: netConn}
	var lastBytes int64
	for {
		_ = netConn.SetReadDeadline(time.Now().Add(c.connectionTimeout()))
		raw, err := c.codec.ReadFrame(reader)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.touchIO()
		seq, ok := raw.([]any)
		if !ok {
			if c.metrics != nil {
				c.metrics.PacketErrors.WithLabelValues("not_sequence").Inc()
			}
			return fmt.Errorf("frame payload is %T, not a sequence", raw)
		}

		p, err := packet.FromSequence(seq)
		if err != nil {
			if c.metrics != nil {
				c.metrics.PacketErrors.WithLabelValues("invalid_packet").Inc()
			}
			c.logger.Warn().Err(err).Msg("dropping invalid packet")
			continue
		}
		if c.metrics != nil {
			c.metrics.PacketsReceived.WithLabelValues(string(p.Kind())).Inc()
			c.metrics.FrameBytesReceived.Add(float64(reader.n - lastBytes))
			lastBytes = reader.n
			if n := c.codec.UTF8Replacements(); n > lastReplacements {
				c.metrics.UTF8Replacements.Add(float64(n - lastReplacements))
				lastReplacements = n
			}
		}

		c.handleInbound(p, ready)
	}
}

// handleInbound applies connection-level packets to the replica and
// passes everything on to the dispatcher.
func (c *Conn) handleInbound(p packet.Packet, ready chan<- struct{}) {
	switch pkt := p.(type) {
	case *packet.StartupReply:
		c.store.SetPassword(pkt.Password)
		c.logger.Info().Int("password", pkt.Password).Msg("startup acknowledged")
		signalReady(ready)
	case *packet.Mudlist:
		changes := c.store.ApplyMudlist(pkt.MudlistID, pkt.Info)
		// A mudlist implies the router accepted us even if the
		// startup-reply was lost.
		signalReady(ready)
		if c.OnMudlistChanges != nil {
			c.OnMudlistChanges(changes)
		}
	case *packet.ChanlistReply:
		changes := c.store.ApplyChanlist(pkt.ChanlistID, pkt.Channels)
		if c.OnChanlistChanges != nil {
			c.OnChanlistChanges(changes)
		}
	}
	if c.OnPacket != nil {
		c.OnPacket(p)
	}
}

func signalReady(ready chan<- struct{}) {
	select {
	case ready <- struct{}{}:
	default:
	}
}
