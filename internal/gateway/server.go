package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxplane/voxplane/internal/admission"
	"github.com/voxplane/voxplane/internal/config"
	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/pipeline"
	"github.com/voxplane/voxplane/internal/session"
	"github.com/voxplane/voxplane/pkg/audio"
)

// ErrBind wraps listener bind failures so the CLI can map them to its
// dedicated exit code.
var ErrBind = errors.New("gateway: bind failed")

// Runner is a live session pipeline attached to one connection.
type Runner interface {
	// ID is the session identifier acknowledged to the client.
	ID() string

	// OutputFormat is the server→client PCM format.
	OutputFormat() audio.Format

	// PushAudio forwards one inbound PCM frame. Reports false when the
	// frame was dropped.
	PushAudio(f audio.Frame) bool

	// End requests an orderly stop with the given end reason.
	End(reason string)
}

// Starter creates sessions: admission check, session record, pipeline
// launch. Implemented by the runtime.
type Starter interface {
	StartSession(ctx context.Context, spec session.Spec, emitter pipeline.Emitter) (Runner, error)
}

// Server is the websocket gateway. One goroutine per connection reads
// the wire; the per-connection writer serializes everything outbound.
type Server struct {
	cfg     config.ServerConfig
	starter Starter
	metrics *observe.Metrics
	log     *slog.Logger

	httpSrv *http.Server

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer builds the gateway around a session starter.
func NewServer(cfg config.ServerConfig, starter Starter, metrics *observe.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		starter: starter,
		metrics: metrics,
		log:     log,
		conns:   make(map[string]*Conn),
	}
}

// Handler returns the gateway's HTTP mux: the websocket endpoint at /ws,
// a liveness probe at /healthz, and /metrics when enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled or the listener fails. Bind failures wrap [ErrBind].
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, s.cfg.ListenAddr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("gateway listening",
		"addr", ln.Addr().String(),
		"tls", s.cfg.TLS != nil,
		"metrics", s.cfg.MetricsEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			errCh <- s.httpSrv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			errCh <- s.httpSrv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and closes the live ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	shCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}

	conn := newConn(uuid.NewString(), ws, s.metrics, s.log)
	s.track(conn)
	defer s.untrack(conn)

	conn.startWriter()
	conn.sendControl(Connected{Type: TypeConnected, ConnectionID: conn.ID()})

	s.serveConn(r.Context(), conn, ws)
}

// track/untrack maintain the live connection set for shutdown.
func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// serveConn is the per-connection read loop: demultiplexes control and
// audio frames, owns the connection's session lifecycle.
func (s *Server) serveConn(ctx context.Context, conn *Conn, sock socket) {
	var runner Runner
	invalidPCMReported := false

	defer func() {
		if runner != nil {
			runner.End(session.EndReasonCallerHangup)
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	for {
		typ, data, err := sock.Read(ctx)
		if err != nil {
			s.log.Debug("connection read ended", "connection_id", conn.ID(), "error", err)
			return
		}

		if typ == websocket.MessageBinary {
			if runner == nil {
				continue
			}
			if !audio.ValidInboundFrame(data) {
				if !invalidPCMReported {
					invalidPCMReported = true
					conn.SendError(CodeValidationError,
						fmt.Sprintf("binary frames must be non-empty s16le PCM of at most %d bytes", audio.InboundChunkBytes))
				}
				continue
			}
			runner.PushAudio(audio.Frame{
				Data:       data,
				SampleRate: audio.ClientSampleRate,
				Channels:   audio.ClientChannels,
			})
			continue
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			conn.SendError(CodeValidationError, "malformed control message")
			continue
		}

		switch in.Type {
		case TypeStartSession:
			if runner != nil {
				conn.SendError(CodeValidationError, "session already started on this connection")
				continue
			}
			r, ok := s.startSession(ctx, conn, in)
			if ok {
				runner = r
			}

		case TypeEndSession:
			if runner == nil {
				conn.SendError(CodeValidationError, "no session on this connection")
				continue
			}
			if in.SessionID != "" && in.SessionID != runner.ID() {
				conn.SendError(CodeValidationError, "unknown session id")
				continue
			}
			runner.End(session.EndReasonNormal)
			runner = nil

		default:
			conn.SendError(CodeValidationError, fmt.Sprintf("unknown message type %q", in.Type))
		}
	}
}

// startSession runs the admission + creation path and acknowledges with
// session_started, or maps the failure onto a wire error.
func (s *Server) startSession(ctx context.Context, conn *Conn, in Inbound) (Runner, bool) {
	if in.TenantID == "" || in.Config == nil {
		conn.SendError(CodeValidationError, "start_session requires tenantId and config")
		return nil, false
	}

	spec := in.Config.ToSpec(in.TenantID, uuid.NewString())
	runner, err := s.starter.StartSession(ctx, spec, conn)
	if err != nil {
		s.sendStartError(conn, err)
		return nil, false
	}

	conn.sendControl(SessionStarted{
		Type:      TypeSessionStarted,
		SessionID: runner.ID(),
		AudioFormat: AudioFormat{
			SampleRate: runner.OutputFormat().SampleRate,
		},
	})
	return runner, true
}

// sendStartError maps start_session failures onto wire error codes:
// admission denials keep their code (with {current, max} details for
// concurrency), spec validation failures become VALIDATION_ERROR,
// anything else is INTERNAL.
func (s *Server) sendStartError(conn *Conn, err error) {
	if d, ok := admission.Denied(err); ok {
		if d.Code == admission.CodeConcurrencyLimit {
			conn.sendDenial(d.Code, d.Message, d.Current, d.Max)
		} else {
			conn.SendError(d.Code, d.Message)
		}
		return
	}

	if errors.Is(err, session.ErrInvalidSpec) {
		conn.SendError(CodeValidationError, err.Error())
		return
	}

	s.log.Error("start session failed", "error", err)
	conn.SendError(CodeInternal, "failed to start session")
}
