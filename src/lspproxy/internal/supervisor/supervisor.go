// Package supervisor owns the set of live language server child processes,
// spawning them on demand and applying a bounded restart policy when they
// crash.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/entity"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/clock"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/launcher"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/registry"
)

// Module provides the Supervisor into an Fx application.
var Module = fx.Provide(New)

const (
	_configKeySupervisor = "supervisor"

	_statLiveProcesses = "live_processes"
	_statSpawns        = "spawns"
	_statCrashes       = "crashes"
	_statRestarts      = "restarts_scheduled"
	_statAbandoned     = "restarts_abandoned"
)

var (
	// ErrUnknownLanguage reports that no server is registered for a language.
	ErrUnknownLanguage = errors.New("no language server registered for language")
	// ErrServerNotInstalled reports that the registered executable does not
	// resolve on the host.
	ErrServerNotInstalled = errors.New("language server is not installed")
)

// Supervisor manages language server processes keyed by
// (language, workspaceRoot), with at most one live process per key.
type Supervisor interface {
	// GetOrSpawn returns the live process for the key, spawning one if none
	// exists. Failures are ErrUnknownLanguage, ErrServerNotInstalled, or a
	// launch error.
	GetOrSpawn(ctx context.Context, language string, workspaceRoot string) (*Process, error)
	// Shutdown terminates every live process and suppresses pending
	// restarts. Safe to call repeatedly and when nothing is running.
	Shutdown(ctx context.Context) error
}

// Config is the supervisor section of the service configuration. Durations
// follow the reference service convention of unit-suffixed integer keys.
type Config struct {
	MaxRestarts          int   `yaml:"maxRestarts"`
	RestartWindowMinutes int64 `yaml:"restartWindowMinutes"`
	BackoffSeconds       int64 `yaml:"backoffSeconds"`
}

// Params define values to be used by the Supervisor.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Registry  registry.Registry
	Launcher  launcher.Launcher
	Clock     clock.Clock
	Stats     tally.Scope
}

type supervisor struct {
	mu sync.Mutex
	// live holds at most one process per key. It is owned exclusively by the
	// supervisor and never mutated from outside it.
	live map[entity.ProcessKey]*Process
	// restarts outlives any individual process instance so the restart cap
	// is counted against the logical key, not the record that just died.
	restarts map[entity.ProcessKey]*restartState

	maxRestarts   int
	restartWindow time.Duration
	backoffStep   time.Duration

	registry registry.Registry
	launcher launcher.Launcher
	clock    clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope

	// wg tracks per-process goroutines so Shutdown can drain them.
	wg sync.WaitGroup
}

type restartState struct {
	count       int
	windowStart time.Time
	timer       clock.Timer
}

// New constructs the Supervisor and hooks its shutdown into the lifecycle.
func New(p Params) (Supervisor, error) {
	cfg := Config{
		MaxRestarts:          3,
		RestartWindowMinutes: 5,
		BackoffSeconds:       1,
	}
	if err := p.Config.Get(_configKeySupervisor).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeySupervisor, err)
	}

	s := &supervisor{
		live:          make(map[entity.ProcessKey]*Process),
		restarts:      make(map[entity.ProcessKey]*restartState),
		maxRestarts:   cfg.MaxRestarts,
		restartWindow: time.Duration(cfg.RestartWindowMinutes) * time.Minute,
		backoffStep:   time.Duration(cfg.BackoffSeconds) * time.Second,
		registry:      p.Registry,
		launcher:      p.Launcher,
		clock:         p.Clock,
		logger:        p.Logger,
		stats:         p.Stats,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: s.Shutdown,
	})

	return s, nil
}

func (s *supervisor) GetOrSpawn(ctx context.Context, language string, workspaceRoot string) (*Process, error) {
	key := entity.ProcessKey{Language: language, WorkspaceRoot: workspaceRoot}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.live[key]; ok {
		return p, nil
	}

	// A fresh external request starts a fresh restart budget for the key;
	// only automatic respawns are counted against the cap.
	delete(s.restarts, key)

	return s.spawnLocked(ctx, key)
}

// spawnLocked launches a process for key and registers it in the live set.
// The caller must hold s.mu; the availability probe blocks under the lock,
// which is the documented tradeoff that keeps check-then-insert atomic.
func (s *supervisor) spawnLocked(ctx context.Context, key entity.ProcessKey) (*Process, error) {
	desc, ok := s.registry.Lookup(key.Language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLanguage, key.Language)
	}
	if !s.registry.IsAvailable(desc.Executable) {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, desc.Executable)
	}

	handle, err := s.launcher.Launch(ctx, desc.Executable, desc.Args, key.WorkspaceRoot)
	if err != nil {
		// A process that never started is not a crash: nothing is registered
		// and the restart policy stays out of it.
		return nil, fmt.Errorf("launching %s: %w", desc.Executable, err)
	}

	p := newProcess(key, handle)
	s.live[key] = p
	s.stats.Counter(_statSpawns).Inc(1)
	s.stats.Gauge(_statLiveProcesses).Update(float64(len(s.live)))
	s.logger.Infow("language server started",
		zap.Stringer("key", key),
		zap.Int("pid", handle.Pid()))

	s.wg.Add(3)
	go s.pumpStdout(p)
	go s.drainStderr(p)
	go s.observeExit(p)

	return p, nil
}

// pumpStdout is the single reader of the child's stdout; it fans raw chunks
// out to the process's subscribers in arrival order.
func (s *supervisor) pumpStdout(p *Process) {
	defer s.wg.Done()
	defer close(p.stdoutDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := p.handle.Stdout().Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.publish(chunk)
		}
		if err != nil {
			return
		}
	}
}

// drainStderr keeps the child's stderr from ever blocking it, logging each
// line at debug level.
func (s *supervisor) drainStderr(p *Process) {
	defer s.wg.Done()
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(p.handle.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debugw("language server stderr",
			zap.Stringer("key", p.key),
			zap.String("line", scanner.Text()))
	}
}

func (s *supervisor) observeExit(p *Process) {
	defer s.wg.Done()

	// Waiting on the child closes its stdio pipes, so bytes it wrote just
	// before exiting must be drained first or they are lost.
	<-p.stdoutDone
	<-p.stderrDone
	err := p.handle.Wait()
	s.onExit(p, err)
}

// onExit removes a dead process from the live set and evaluates the restart
// policy for its key.
func (s *supervisor) onExit(p *Process, exitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The key may already point at a replacement, or shutdown may have
	// cleared the set; only the current occupant gets crash handling.
	if s.live[p.key] != p {
		return
	}
	delete(s.live, p.key)
	s.stats.Gauge(_statLiveProcesses).Update(float64(len(s.live)))
	s.stats.Counter(_statCrashes).Inc(1)
	s.logger.Warnw("language server exited",
		zap.Stringer("key", p.key),
		zap.Error(exitErr))

	st, ok := s.restarts[p.key]
	if !ok {
		st = &restartState{}
		s.restarts[p.key] = st
	}

	now := s.clock.Now()
	if st.windowStart.IsZero() || now.Sub(st.windowStart) > s.restartWindow {
		st.count = 0
		st.windowStart = now
	}

	if st.count >= s.maxRestarts {
		s.stats.Counter(_statAbandoned).Inc(1)
		s.logger.Warnw("restart budget exhausted, abandoning language server",
			zap.Stringer("key", p.key),
			zap.Int("restarts", st.count))
		return
	}

	st.count++
	delay := time.Duration(st.count) * s.backoffStep
	key := p.key
	st.timer = s.clock.AfterFunc(delay, func() {
		s.respawn(key)
	})
	s.stats.Counter(_statRestarts).Inc(1)
	s.logger.Infow("language server restart scheduled",
		zap.Stringer("key", key),
		zap.Int("attempt", st.count),
		zap.Duration("delay", delay))
}

// respawn runs a deferred restart attempt for key.
func (s *supervisor) respawn(key entity.ProcessKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[key]; ok {
		return
	}
	// Shutdown forces counters to the cap; a timer that fired anyway must
	// honor that.
	if st, ok := s.restarts[key]; ok && st.count > s.maxRestarts {
		return
	}

	if _, err := s.spawnLocked(context.Background(), key); err != nil {
		s.logger.Warnw("language server restart failed",
			zap.Stringer("key", key),
			zap.Error(err))
	}
}

func (s *supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()

	var errs error
	for _, st := range s.restarts {
		// Forcing the counter past the cap suppresses any timer already in
		// flight for the key. The entry stays in place so a fired timer that
		// is blocked on the lock still sees it.
		st.count = s.maxRestarts + 1
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	procs := make([]*Process, 0, len(s.live))
	for key, p := range s.live {
		procs = append(procs, p)
		delete(s.live, key)
	}
	s.stats.Gauge(_statLiveProcesses).Update(0)
	s.mu.Unlock()

	for _, p := range procs {
		if err := p.handle.Kill(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminating %s: %w", p.key, err))
		}
	}

	// Wait for pumps and exit observers to drain.
	s.wg.Wait()
	return errs
}
