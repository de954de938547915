package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func newTestInfoFile(t *testing.T, path string) (InfoFile, *fxtest.Lifecycle) {
	t.Helper()

	yamlCfg := "serverInfoFilePath: " + path + "\n"
	if path == "" {
		yamlCfg = "logging: {}\n"
	}
	provider, err := config.NewYAML(config.Source(strings.NewReader(yamlCfg)))
	require.NoError(t, err)

	lc := fxtest.NewLifecycle(t)
	f, err := New(Params{
		Config:    provider,
		Lifecycle: lc,
		Logger:    zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	return f, lc
}

func TestPublishWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info", "server-info.json")
	f, lc := newTestInfoFile(t, path)
	lc.RequireStart()

	require.NoError(t, f.Publish(context.Background(), Info{Port: 54321, PID: 99}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Info
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, Info{Port: 54321, PID: 99}, got)

	// Republishing replaces the previous record.
	require.NoError(t, f.Publish(context.Background(), Info{Port: 54322, PID: 99}))
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), fmt.Sprint(54322))

	lc.RequireStop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPublishWithoutPathIsNoop(t *testing.T) {
	f, lc := newTestInfoFile(t, "")
	lc.RequireStart()
	defer lc.RequireStop()

	require.NoError(t, f.Publish(context.Background(), Info{Port: 1, PID: 2}))
}

func TestStopWithoutPublish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-info.json")
	_, lc := newTestInfoFile(t, path)
	lc.RequireStart()
	lc.RequireStop()
}
