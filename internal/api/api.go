// Package api implements the HTTP bridge in front of one ATS-Mini.
//
// Routes:
//
//	GET  /api/v1/status          Link and radio state
//	POST /api/v1/rpc             Invoke one RPC method
//	GET  /api/v1/stats           Recorded stats history
//	GET  /api/v1/events          Recorded event history
//	GET  /api/v1/events/stream   WebSocket live event stream
//	GET  /api/v1/screen          Screen capture (raw bytes)
//
// Framework: standard library net/http with Go 1.22 method patterns.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/monitor"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/state"
	"github.com/impuls42/ats-mini/internal/store"
	"github.com/impuls42/ats-mini/internal/transport"
	"github.com/impuls42/ats-mini/internal/wire"
)

// MaxRPCTimeout caps the timeout a client may ask for.
const MaxRPCTimeout = time.Minute

// Device is the radio the bridge fronts. *monitor.Monitor satisfies it.
type Device interface {
	Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, error)
	CaptureScreen(ctx context.Context, format string, opts ...radio.Option) (*radio.Capture, error)
}

// LinkState reports the connection state of the device link.
type LinkState interface {
	State() transport.ConnectionState
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Options holds the handler dependencies. DB and State may be nil when
// recording is disabled.
type Options struct {
	Device     Device
	Link       LinkState
	Bus        *monitor.EventBus
	DB         *store.DB
	State      *state.Manager
	Transport  string
	RPCTimeout time.Duration
	Log        *zap.Logger
}

// Server holds handler dependencies.
type Server struct {
	opts    Options
	log     *zap.Logger
	started time.Time
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = radio.DefaultTimeout
	}
	s := &Server{opts: opts, log: opts.Log.Named("api"), started: time.Now().UTC()}

	mux := http.NewServeMux()

	// Status / health
	mux.HandleFunc("GET /api/v1/status", s.status)

	// RPC
	mux.HandleFunc("POST /api/v1/rpc", s.rpc)

	// History
	mux.HandleFunc("GET /api/v1/stats", s.listStats)
	mux.HandleFunc("GET /api/v1/events", s.listEvents)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStream)

	// Screen
	mux.HandleFunc("GET /api/v1/screen", s.screen)

	return withLogging(s.log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":    "ok",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"transport": s.opts.Transport,
	}
	if s.opts.Link != nil {
		st := s.opts.Link.State()
		out["link"] = st.String()
		if st != transport.StateConnected {
			out["status"] = "degraded"
		}
	}
	if s.opts.Bus != nil {
		out["subscribers"] = s.opts.Bus.Len()
		out["events_published"] = s.opts.Bus.Published()
		out["events_dropped"] = s.opts.Bus.Dropped()
	}
	if s.opts.State != nil {
		out["radio"] = s.opts.State.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// ── RPC ───────────────────────────────────────────────────────────────────

type rpcRequest struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	TimeoutMS int            `json:"timeout_ms"`
}

func (s *Server) rpc(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method required")
		return
	}
	timeout := s.opts.RPCTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout > MaxRPCTimeout {
		timeout = MaxRPCTimeout
	}

	params, _ := Normalize(req.Params).(map[string]any)
	res, err := s.opts.Device.Call(r.Context(), req.Method, params, timeout)
	if err != nil {
		s.deviceError(w, req.Method, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"method": req.Method, "result": res})
}

// Normalize converts json.Number values into int64 where they are integral
// and float64 otherwise, recursing into maps and slices. The device rejects
// floats where it expects integers.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// ── History ───────────────────────────────────────────────────────────────

func (s *Server) listStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB == nil {
		writeError(w, http.StatusNotFound, "recording disabled")
		return
	}
	limit, err := queryInt(r, "limit", store.DefaultLimit, 1, store.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.opts.DB.ListStats(r.Context(), limit)
	if err != nil {
		s.log.Error("list stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": rows,
		"count": len(rows),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB == nil {
		writeError(w, http.StatusNotFound, "recording disabled")
		return
	}
	limit, err := queryInt(r, "limit", store.DefaultLimit, 1, store.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.opts.DB.ListEvents(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		s.log.Error("list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": rows,
		"count":  len(rows),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		writeError(w, http.StatusNotFound, "event stream unavailable")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.opts.Bus.Subscribe()
	defer unsub()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Screen ────────────────────────────────────────────────────────────────

func (s *Server) screen(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	switch format {
	case "", radio.FormatBinary, radio.FormatRLE:
	default:
		writeError(w, http.StatusBadRequest, "format must be binary or rle")
		return
	}
	c, err := s.opts.Device.CaptureScreen(r.Context(), format, radio.WithTimeout(s.opts.RPCTimeout))
	if err != nil {
		s.deviceError(w, "screen.capture", err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-Screen-Format", c.Format)
	h.Set("X-Screen-Width", strconv.Itoa(c.Width))
	h.Set("X-Screen-Height", strconv.Itoa(c.Height))
	h.Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(c.Data) //nolint:errcheck
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

// deviceError maps a device failure onto an HTTP status: an RPC error is the
// device's answer (502), a timeout is 504, a dead link is 503.
func (s *Server) deviceError(w http.ResponseWriter, method string, err error) {
	var rpcErr *message.RPCError
	switch {
	case errors.As(err, &rpcErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{"code": rpcErr.Code, "message": rpcErr.Message},
		})
		return
	case errors.Is(err, wire.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, wire.ErrConnection):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, wire.ErrFrame), errors.Is(err, wire.ErrDecode):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	s.log.Warn("device call failed", zap.String("method", method), zap.Error(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(buf.Bytes()) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": map[string]any{"message": msg}})
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
