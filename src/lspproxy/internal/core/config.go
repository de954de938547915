// Package core provides the configuration and logging foundations shared by
// every other package in the service.
package core

import (
	"fmt"
	"os"
	"path/filepath"

	uberconfig "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the merged YAML configuration into an Fx application.
var ConfigModule = fx.Provide(NewConfig)

const (
	_envConfigDir     = "LSPPROXY_CONFIG_DIR"
	_defaultConfigDir = "src/lspproxy/config"
	_metaFile         = "meta.yaml"
)

// NewConfig loads the service configuration. meta.yaml in the config
// directory names the files to merge, in order; later files override earlier
// ones and ${VAR} references expand from the environment.
func NewConfig() (uberconfig.Provider, error) {
	configDir := configDir()

	meta, err := uberconfig.NewYAML(
		uberconfig.File(filepath.Join(configDir, _metaFile)),
		uberconfig.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", _metaFile, err)
	}

	var files []string
	if err := meta.Get("files").Populate(&files); err != nil {
		return nil, fmt.Errorf("reading files list from %s: %w", _metaFile, err)
	}

	var options []uberconfig.YAMLOption
	for _, file := range files {
		path := filepath.Join(configDir, file)
		if _, err := os.Stat(path); err != nil {
			// Optional overlay files may be absent.
			continue
		}
		options = append(options, uberconfig.File(path))
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uberconfig.Expand(os.LookupEnv))

	provider, err := uberconfig.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return provider, nil
}

func configDir() string {
	if dir := os.Getenv(_envConfigDir); dir != "" {
		return dir
	}
	return _defaultConfigDir
}
