// Package bridge accepts client WebSocket connections and relays each one to
// a supervised language server process, translating between the transport's
// message boundaries and the LSP Content-Length stdio framing.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/entity"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/framing"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/registry"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/serverinfofile"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/supervisor"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/repository/connection"
)

// Module provides the Bridge into an Fx application.
var Module = fx.Provide(New)

const (
	_configKeyBridge = "bridge"
	_defaultHost     = "127.0.0.1"

	_paramLanguage      = "language"
	_paramWorkspaceRoot = "workspaceRoot"

	_closeWriteTimeout = time.Second
	// WebSocket close reasons are capped at 123 bytes on the wire.
	_maxCloseReason = 120

	_statConnections         = "connections_accepted"
	_statConnectionsRejected = "connections_rejected"
)

// Bridge is the client-facing surface of the proxy.
type Bridge interface {
	// Start binds a loopback listener on an OS-assigned port and begins
	// accepting connections. Idempotent: an already-started bridge returns
	// its existing port. A bind failure leaves no partial state.
	Start(ctx context.Context) (int, error)
	// Port returns the bound port, or zero when stopped.
	Port() int
	// AvailableLanguages passes through to the registry.
	AvailableLanguages() []string
	// Shutdown terminates all language servers, closes every client, stops
	// accepting, and releases the listener. Idempotent.
	Shutdown(ctx context.Context) error
}

// Config is the bridge section of the service configuration.
type Config struct {
	Host string `yaml:"host"`
}

// Params define values to be used by the Bridge.
type Params struct {
	fx.In

	Config      config.Provider
	Lifecycle   fx.Lifecycle
	Logger      *zap.SugaredLogger
	Supervisor  supervisor.Supervisor
	Registry    registry.Registry
	Connections connection.Repository
	InfoFile    serverinfofile.InfoFile
	Stats       tally.Scope
}

type bridge struct {
	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	port int

	// sessionMu fences session setup against Shutdown: handlers spawn under
	// the read lock, and Shutdown flips stopped under the write lock before
	// it tears the supervisor down, so no session can register a process
	// that nothing will ever terminate.
	sessionMu sync.RWMutex
	stopped   bool

	host     string
	upgrader websocket.Upgrader

	supervisor  supervisor.Supervisor
	registry    registry.Registry
	connections connection.Repository
	infoFile    serverinfofile.InfoFile
	logger      *zap.SugaredLogger
	stats       tally.Scope
}

// New constructs the Bridge and ties its listener to the lifecycle.
func New(p Params) (Bridge, error) {
	b := &bridge{
		host: _defaultHost,
		upgrader: websocket.Upgrader{
			// Local desktop clients present arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		supervisor:  p.Supervisor,
		registry:    p.Registry,
		connections: p.Connections,
		infoFile:    p.InfoFile,
		logger:      p.Logger,
		stats:       p.Stats,
	}

	var cfg Config
	if err := p.Config.Get(_configKeyBridge).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyBridge, err)
	}
	if cfg.Host != "" {
		b.host = cfg.Host
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := b.Start(ctx)
			return err
		},
		OnStop: b.Shutdown,
	})

	return b, nil
}

func (b *bridge) Start(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ln != nil {
		return b.port, nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(b.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("binding bridge listener: %w", err)
	}

	b.ln = ln
	b.port = ln.Addr().(*net.TCPAddr).Port

	b.sessionMu.Lock()
	b.stopped = false
	b.sessionMu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleUpgrade)
	b.srv = &http.Server{Handler: mux}

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Errorw("bridge listener stopped", zap.Error(err))
		}
	}(b.srv, ln)

	if err := b.infoFile.Publish(ctx, serverinfofile.Info{Port: b.port, PID: os.Getpid()}); err != nil {
		b.logger.Warnw("publishing connection info failed", zap.Error(err))
	}

	b.logger.Infow("bridge listening", zap.Int("port", b.port))
	return b.port, nil
}

func (b *bridge) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

func (b *bridge) AvailableLanguages() []string {
	return b.registry.AvailableLanguages()
}

func (b *bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debugw("websocket upgrade failed", zap.Error(err))
		return
	}

	query := r.URL.Query()
	language := query.Get(_paramLanguage)
	workspaceRoot := query.Get(_paramWorkspaceRoot)
	if language == "" || workspaceRoot == "" {
		b.stats.Counter(_statConnectionsRejected).Inc(1)
		b.closeWith(ws, websocket.ClosePolicyViolation, "language and workspaceRoot are required")
		return
	}

	b.sessionMu.RLock()
	if b.stopped {
		b.sessionMu.RUnlock()
		b.stats.Counter(_statConnectionsRejected).Inc(1)
		b.closeWith(ws, websocket.CloseGoingAway, "shutting down")
		return
	}
	proc, err := b.supervisor.GetOrSpawn(r.Context(), language, workspaceRoot)
	b.sessionMu.RUnlock()
	if err != nil {
		b.stats.Counter(_statConnectionsRejected).Inc(1)
		b.closeWith(ws, websocket.CloseInternalServerErr, closeReason(err))
		return
	}

	b.stats.Counter(_statConnections).Inc(1)
	b.serve(ws, language, workspaceRoot, proc)
}

// serve runs the bidirectional relay for one connection until the client
// goes away. Closing the connection never terminates the process.
func (b *bridge) serve(ws *websocket.Conn, language, workspaceRoot string, proc *supervisor.Process) {
	id := uuid.Must(uuid.NewV4())
	conn := &entity.Connection{
		UUID:          id,
		Language:      language,
		WorkspaceRoot: workspaceRoot,
		Conn:          ws,
	}
	b.connections.Set(context.Background(), conn)
	b.logger.Infow("client connected",
		zap.Stringer("uuid", id),
		zap.Stringer("key", proc.Key()))

	// Outbound: the scanner is only touched by the process's single pump
	// goroutine, and this subscription is the connection's only writer of
	// data frames, so neither needs further locking.
	scanner := &framing.Scanner{}
	proc.Subscribe(id, func(chunk []byte) {
		for _, body := range scanner.Append(chunk) {
			if err := ws.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	})

	// Inbound: one frame per transport message, in delivery order.
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if err := proc.WriteFrame(msg); err != nil {
			// The process is gone; per contract the connection stays open
			// and simply goes silent.
			b.logger.Debugw("dropping write to dead language server",
				zap.Stringer("uuid", id),
				zap.Stringer("key", proc.Key()))
		}
	}

	proc.Unsubscribe(id)
	b.connections.Delete(context.Background(), id)
	ws.Close()
	b.logger.Infow("client disconnected", zap.Stringer("uuid", id))
}

func (b *bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	srv := b.srv
	b.srv = nil
	b.ln = nil
	b.port = 0
	b.mu.Unlock()

	// Stop accepting before the supervisor dies. Acquiring sessionMu for
	// writing waits out any handler already past the stopped check, so its
	// process is registered in time for the supervisor to kill it.
	var errs error
	if srv != nil {
		if err := srv.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	b.sessionMu.Lock()
	b.stopped = true
	b.sessionMu.Unlock()

	if err := b.supervisor.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	conns, _ := b.connections.All(ctx)
	for _, c := range conns {
		c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(_closeWriteTimeout))
		c.Conn.Close()
		b.connections.Delete(ctx, c.UUID)
	}
	return errs
}

func (b *bridge) closeWith(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(_closeWriteTimeout))
	ws.Close()
}

// closeReason maps a spawn failure to the close reason sent to the client.
func closeReason(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrUnknownLanguage):
		return "no such language"
	case errors.Is(err, supervisor.ErrServerNotInstalled):
		return "server not installed"
	}
	reason := err.Error()
	if len(reason) > _maxCloseReason {
		reason = reason[:_maxCloseReason]
	}
	return reason
}
