package rpc

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/metrics"
	"github.com/LuminariMUD/i3gateway/internal/session"
)

// Handler services one method call for an authenticated session.
type Handler func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, *Error)

// method pairs a handler with the capability required to call it.
type method struct {
	handler    Handler
	capability string
	unlimited  bool // exempt from rate limiting (ping, authenticate)
}

// Server dispatches decoded frames to registered methods.
type Server struct {
	logger  zerolog.Logger
	metrics *metrics.Registry
	methods map[string]method
}

// NewServer creates an empty method table.
func NewServer(logger zerolog.Logger, reg *metrics.Registry) *Server {
	return &Server{
		logger:  logger.With().Str("component", "rpc").Logger(),
		metrics: reg,
		methods: make(map[string]method),
	}
}

// Register adds a method requiring the given capability. An empty
// capability means any authenticated session may call it.
func (s *Server) Register(name, capability string, h Handler) {
	s.methods[name] = method{handler: h, capability: capability}
}

// RegisterUnlimited adds a method exempt from rate limiting.
func (s *Server) RegisterUnlimited(name, capability string, h Handler) {
	s.methods[name] = method{handler: h, capability: capability, unlimited: true}
}

// Dispatch handles one raw frame and returns the serialized response,
// or nil when the frame was only notifications.
func (s *Server) Dispatch(ctx context.Context, sess *session.Session, raw []byte) []byte {
	items, batch, perr := parseRequests(raw)
	if perr != nil {
		return marshal(s.logger, errorResponse(nil, perr))
	}
	if batch && len(items) == 0 {
		return marshal(s.logger, errorResponse(nil, Errorf(CodeInvalidRequest, "empty batch")))
	}

	responses := make([]*Response, 0, len(items))
	for _, item := range items {
		if resp := s.dispatchOne(ctx, sess, item); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	if batch {
		return marshal(s.logger, responses)
	}
	return marshal(s.logger, responses[0])
}

func (s *Server) dispatchOne(ctx context.Context, sess *session.Session, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, Errorf(CodeInvalidRequest, "invalid request"))
	}
	if !req.Valid() {
		if req.Notification() {
			return nil
		}
		return errorResponse(req.ID, Errorf(CodeInvalidRequest, "invalid request"))
	}

	sess.Touch()
	if s.metrics != nil {
		s.metrics.RPCRequests.WithLabelValues(req.Method).Inc()
	}

	resp := s.call(ctx, sess, &req)
	if req.Notification() {
		// Notifications never get a response, success or failure.
		return nil
	}
	return resp
}

func (s *Server) call(ctx context.Context, sess *session.Session, req *Request) *Response {
	if strings.HasPrefix(req.Method, "rpc.") {
		return s.fail(req, Errorf(CodeMethodNotFound, "method name %q is reserved", req.Method))
	}
	m, ok := s.methods[req.Method]
	if !ok {
		return s.fail(req, Errorf(CodeMethodNotFound, "method %q not found", req.Method))
	}
	if m.capability != "" && (sess.Cred == nil || !sess.Cred.Can(m.capability)) {
		return s.fail(req, Errorf(CodePermissionDenied, "capability %q required", m.capability))
	}
	if !m.unlimited && !sess.Limiter.Allow(req.Method) {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		s.warnRateLimited(sess, req.Method)
		return s.fail(req, Errorf(CodeRateLimited, "rate limit exceeded"))
	}

	result, rerr := s.safeCall(ctx, sess, req, m.handler)
	if rerr != nil {
		return s.fail(req, rerr)
	}
	return resultResponse(req.ID, result)
}

// warnRateLimited pushes a rate_limit_warning notification so the
// client learns it is being throttled even if it ignores error
// responses.
func (s *Server) warnRateLimited(sess *session.Session, method string) {
	payload, err := Notification("rate_limit_warning", map[string]any{
		"method":    method,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	sess.Send(payload, 2)
}

// safeCall shields the dispatcher from handler panics.
func (s *Server) safeCall(ctx context.Context, sess *session.Session, req *Request, h Handler) (result any, rerr *Error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("method", req.Method).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("handler panic recovered")
			result, rerr = nil, Errorf(CodeInternalError, "internal error")
		}
	}()
	return h(ctx, sess, req.Params)
}

func (s *Server) fail(req *Request, err *Error) *Response {
	if s.metrics != nil {
		s.metrics.RPCErrors.WithLabelValues(strconv.Itoa(err.Code)).Inc()
	}
	s.logger.Debug().
		Str("method", req.Method).
		Int("code", err.Code).
		Str("message", err.Message).
		Msg("rpc error")
	return errorResponse(req.ID, err)
}

func marshal(logger zerolog.Logger, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("response marshal failed")
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
