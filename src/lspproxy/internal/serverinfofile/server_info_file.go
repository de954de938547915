// Package serverinfofile publishes the daemon's connection details to a
// well-known file so that the desktop shell and other local tools can
// construct client URLs without any discovery protocol.
package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _configKeyInfoFile = "serverInfoFilePath"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Info is the published connection record.
type Info struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// InfoFile manages the single server info file for this daemon instance.
type InfoFile interface {
	// Publish atomically replaces the info file contents. A daemon configured
	// without a path publishes nowhere and returns nil.
	Publish(ctx context.Context, info Info) error
}

// Params define values to be used by the InfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

type infoFile struct {
	mu     sync.Mutex
	path   string
	logger *zap.SugaredLogger
}

// New creates the InfoFile and registers removal of the file on shutdown.
func New(p Params) (InfoFile, error) {
	f := &infoFile{logger: p.Logger}

	if err := p.Config.Get(_configKeyInfoFile).Populate(&f.path); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyInfoFile, err)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: f.onStop,
	})

	return f, nil
}

func (f *infoFile) Publish(ctx context.Context, info Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return nil
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshalling server info: %w", err)
	}

	// Write-then-rename so readers never observe a partial file.
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("creating info file directory: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("writing info file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing info file: %w", err)
	}

	f.logger.Infow("connection info published",
		zap.String("file", f.path),
		zap.Int("port", info.Port))
	return nil
}

func (f *infoFile) onStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
