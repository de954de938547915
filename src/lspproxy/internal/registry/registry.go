// Package registry maintains the catalog of supported language servers and
// probes whether their executables are installed on the host.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v3"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/entity"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/launcher"
)

// Module provides the Registry into an Fx application.
var Module = fx.Provide(New)

const (
	_configKeyRegistry = "registry"

	_statReloads      = "registry_reloads"
	_statReloadErrors = "registry_reload_errors"
)

// Registry is a read-mostly catalog mapping a language identifier to the
// executable, arguments, and file extensions of its language server.
type Registry interface {
	// Lookup returns the descriptor for language. Absence signals an unknown
	// language, not an error.
	Lookup(language string) (entity.ServerDescriptor, bool)
	// IsAvailable reports whether executable resolves on the host PATH. This
	// is a synchronous, blocking probe; any failure yields false.
	IsAvailable(executable string) bool
	// AvailableLanguages returns the languages whose executables currently
	// resolve. Recomputed on every call, so its cost scales with the table.
	AvailableLanguages() []string
}

// Config is the registry section of the service configuration.
type Config struct {
	// Servers are merged over the built-in table, keyed by language.
	Servers []entity.ServerDescriptor `yaml:"servers"`
	// ServersFile optionally names a standalone YAML file with the same
	// shape as Servers.
	ServersFile string `yaml:"serversFile"`
	// Watch enables hot reload of ServersFile on change.
	Watch bool `yaml:"watch"`
}

// Params define values to be used by the Registry.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Launcher  launcher.Launcher
	Stats     tally.Scope
}

type registry struct {
	mu    sync.RWMutex
	table map[string]entity.ServerDescriptor

	cfg      Config
	launcher launcher.Launcher
	logger   *zap.SugaredLogger
	stats    tally.Scope
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// New builds the Registry from the built-in table overlaid with configured
// entries, and wires the optional servers-file watcher into the lifecycle.
func New(p Params) (Registry, error) {
	r := &registry{
		launcher: p.Launcher,
		logger:   p.Logger,
		stats:    p.Stats,
	}

	if err := p.Config.Get(_configKeyRegistry).Populate(&r.cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyRegistry, err)
	}

	table := defaultTable()
	for _, d := range r.cfg.Servers {
		table[d.Language] = d
	}
	r.table = table

	if r.cfg.ServersFile != "" {
		if err := r.loadServersFile(); err != nil {
			return nil, err
		}
		if r.cfg.Watch {
			p.Lifecycle.Append(fx.Hook{
				OnStart: r.startWatcher,
				OnStop:  r.stopWatcher,
			})
		}
	}

	return r, nil
}

func (r *registry) Lookup(language string) (entity.ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.table[language]
	return d, ok
}

func (r *registry) IsAvailable(executable string) bool {
	_, err := r.launcher.LookPath(executable)
	return err == nil
}

func (r *registry) AvailableLanguages() []string {
	r.mu.RLock()
	descriptors := make([]entity.ServerDescriptor, 0, len(r.table))
	for _, d := range r.table {
		descriptors = append(descriptors, d)
	}
	r.mu.RUnlock()

	languages := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if r.IsAvailable(d.Executable) {
			languages = append(languages, d.Language)
		}
	}
	sort.Strings(languages)
	return languages
}

// loadServersFile merges the standalone servers file over the current table.
func (r *registry) loadServersFile() error {
	raw, err := os.ReadFile(r.cfg.ServersFile)
	if err != nil {
		return fmt.Errorf("reading servers file %q: %w", r.cfg.ServersFile, err)
	}

	var parsed struct {
		Servers []entity.ServerDescriptor `yaml:"servers"`
	}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing servers file %q: %w", r.cfg.ServersFile, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]entity.ServerDescriptor, len(r.table)+len(parsed.Servers))
	for lang, d := range r.table {
		next[lang] = d
	}
	for _, d := range parsed.Servers {
		next[d.Language] = d
	}
	r.table = next
	return nil
}

func (r *registry) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating servers file watcher: %w", err)
	}
	if err := watcher.Add(r.cfg.ServersFile); err != nil {
		watcher.Close()
		return fmt.Errorf("watching servers file %q: %w", r.cfg.ServersFile, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watch()
	return nil
}

func (r *registry) stopWatcher(ctx context.Context) error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	r.watcher = nil
	return err
}

func (r *registry) watch() {
	defer close(r.done)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.loadServersFile(); err != nil {
				r.stats.Counter(_statReloadErrors).Inc(1)
				r.logger.Warnw("reloading servers file failed", zap.Error(err))
				continue
			}
			r.stats.Counter(_statReloads).Inc(1)
			r.logger.Infow("servers file reloaded", zap.String("file", r.cfg.ServersFile))
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// defaultTable is the built-in catalog. Config entries override by language.
func defaultTable() map[string]entity.ServerDescriptor {
	defaults := []entity.ServerDescriptor{
		{
			Language:   "go",
			Executable: "gopls",
			Extensions: []string{".go"},
		},
		{
			Language:   "typescript",
			Executable: "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".ts", ".tsx", ".js", ".jsx"},
		},
		{
			Language:   "python",
			Executable: "pyright-langserver",
			Args:       []string{"--stdio"},
			Extensions: []string{".py"},
		},
		{
			Language:   "rust",
			Executable: "rust-analyzer",
			Extensions: []string{".rs"},
		},
		{
			Language:   "java",
			Executable: "jdtls",
			Extensions: []string{".java"},
		},
		{
			Language:   "c",
			Executable: "clangd",
			Extensions: []string{".c", ".h", ".cpp", ".hpp", ".cc"},
		},
		{
			Language:   "ruby",
			Executable: "solargraph",
			Args:       []string{"stdio"},
			Extensions: []string{".rb"},
		},
	}

	table := make(map[string]entity.ServerDescriptor, len(defaults))
	for _, d := range defaults {
		table[d.Language] = d
	}
	return table
}
