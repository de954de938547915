package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/clock"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/launcher/launchertest"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/registry"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/serverinfofile"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/supervisor"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/repository/connection"
)

const _testConfig = `
bridge:
  host: 127.0.0.1
supervisor:
  maxRestarts: 3
`

func newTestBridge(t *testing.T, fake *launchertest.Fake) (Bridge, connection.Repository) {
	t.Helper()

	provider, err := config.NewYAML(config.Source(strings.NewReader(_testConfig)))
	require.NoError(t, err)
	logger := zap.NewNop().Sugar()

	reg, err := registry.New(registry.Params{
		Config:    provider,
		Lifecycle: fxtest.NewLifecycle(t),
		Logger:    logger,
		Launcher:  fake,
		Stats:     tally.NoopScope,
	})
	require.NoError(t, err)

	sup, err := supervisor.New(supervisor.Params{
		Config:    provider,
		Lifecycle: fxtest.NewLifecycle(t),
		Logger:    logger,
		Registry:  reg,
		Launcher:  fake,
		Clock:     clock.New(),
		Stats:     tally.NoopScope,
	})
	require.NoError(t, err)

	info, err := serverinfofile.New(serverinfofile.Params{
		Config:    provider,
		Lifecycle: fxtest.NewLifecycle(t),
		Logger:    logger,
	})
	require.NoError(t, err)

	repo := connection.New(tally.NoopScope)
	b, err := New(Params{
		Config:      provider,
		Lifecycle:   fxtest.NewLifecycle(t),
		Logger:      logger,
		Supervisor:  sup,
		Registry:    reg,
		Connections: repo,
		InfoFile:    info,
		Stats:       tally.NoopScope,
	})
	require.NoError(t, err)
	return b, repo
}

func startBridge(t *testing.T, b Bridge) int {
	t.Helper()
	port, err := b.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Shutdown(context.Background()))
	})
	return port
}

func dial(t *testing.T, port int, params url.Values) *websocket.Conn {
	t.Helper()
	u := fmt.Sprintf("ws://127.0.0.1:%d/?%s", port, params.Encode())
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return c
}

func sessionParams(language, workspaceRoot string) url.Values {
	params := url.Values{}
	if language != "" {
		params.Set("language", language)
	}
	if workspaceRoot != "" {
		params.Set("workspaceRoot", workspaceRoot)
	}
	return params
}

// expectClose asserts the server closes the connection with the given status
// code and reason.
func expectClose(t *testing.T, c *websocket.Conn, code int, reason string) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
	assert.Equal(t, reason, closeErr.Text)
}

func TestStartIdempotent(t *testing.T) {
	b, _ := newTestBridge(t, launchertest.New())
	port := startBridge(t, b)
	require.NotZero(t, port)

	again, err := b.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, again)
	assert.Equal(t, port, b.Port())
}

func TestShutdownIdempotent(t *testing.T) {
	b, _ := newTestBridge(t, launchertest.New())
	require.NoError(t, b.Shutdown(context.Background()))

	port, err := b.Start(context.Background())
	require.NoError(t, err)
	require.NotZero(t, port)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Zero(t, b.Port())
	require.NoError(t, b.Shutdown(context.Background()))

	// A stopped bridge can be started again on a fresh port.
	port, err = b.Start(context.Background())
	require.NoError(t, err)
	require.NotZero(t, port)
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestRejectsMissingParams(t *testing.T) {
	fake := launchertest.New()
	b, _ := newTestBridge(t, fake)
	port := startBridge(t, b)

	for _, params := range []url.Values{
		sessionParams("", ""),
		sessionParams("go", ""),
		sessionParams("", "/tmp/ws"),
	} {
		c := dial(t, port, params)
		expectClose(t, c, websocket.ClosePolicyViolation, "language and workspaceRoot are required")
		c.Close()
	}
	assert.Zero(t, fake.LaunchCount())
}

func TestRejectsUnknownLanguage(t *testing.T) {
	fake := launchertest.New()
	b, _ := newTestBridge(t, fake)
	port := startBridge(t, b)

	c := dial(t, port, sessionParams("cobol", "/tmp/ws"))
	defer c.Close()
	expectClose(t, c, websocket.CloseInternalServerErr, "no such language")
	assert.Zero(t, fake.LaunchCount())
}

func TestRejectsServerNotInstalled(t *testing.T) {
	fake := launchertest.New()
	fake.MarkMissing("gopls")
	b, _ := newTestBridge(t, fake)
	port := startBridge(t, b)

	c := dial(t, port, sessionParams("go", "/tmp/ws"))
	defer c.Close()
	expectClose(t, c, websocket.CloseInternalServerErr, "server not installed")
	assert.Zero(t, fake.LaunchCount())
}

func TestRelay(t *testing.T) {
	fake := launchertest.New()
	b, repo := newTestBridge(t, fake)
	port := startBridge(t, b)

	c := dial(t, port, sessionParams("go", "/tmp/ws"))
	defer c.Close()
	require.Eventually(t, func() bool {
		return fake.LaunchCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	proc := fake.Procs()[0]

	// Inbound: each transport message becomes exactly one stdio frame.
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`)))
	require.Eventually(t, func() bool {
		return proc.StdinString() == "Content-Length: 8\r\n\r\n{\"id\":1}"
	}, 2*time.Second, 5*time.Millisecond)

	// Outbound: a frame split across arbitrary chunks is reassembled into one
	// transport message holding only the body.
	require.NoError(t, proc.EmitStdout([]byte("Content-Length: 13\r\n\r\n{\"jsonrpc\"")))
	require.NoError(t, proc.EmitStdout([]byte(":1}")))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":1}`, string(msg))

	// Writes after the process dies are dropped and the connection survives.
	proc.Exit(errors.New("exit status 1"))
	require.Eventually(t, func() bool {
		return c.WriteMessage(websocket.TextMessage, []byte(`{"id":2}`)) == nil
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBroadcastToAllConnections(t *testing.T) {
	fake := launchertest.New()
	b, _ := newTestBridge(t, fake)
	port := startBridge(t, b)

	c1 := dial(t, port, sessionParams("go", "/tmp/ws"))
	defer c1.Close()
	c2 := dial(t, port, sessionParams("go", "/tmp/ws"))
	defer c2.Close()

	require.Eventually(t, func() bool {
		return fake.LaunchCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	proc := fake.Procs()[0]

	require.NoError(t, proc.EmitStdout([]byte("Content-Length: 2\r\n\r\nhi")))
	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "hi", string(msg))
	}
}

func TestClientDisconnectLeavesProcessRunning(t *testing.T) {
	fake := launchertest.New()
	b, repo := newTestBridge(t, fake)
	port := startBridge(t, b)

	c := dial(t, port, sessionParams("go", "/tmp/ws"))
	require.Eventually(t, func() bool {
		count, err := repo.Count(context.Background())
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool {
		count, err := repo.Count(context.Background())
		return err == nil && count == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, fake.Procs()[0].Exited())
}

func TestShutdownClosesClientsAndProcesses(t *testing.T) {
	fake := launchertest.New()
	b, repo := newTestBridge(t, fake)
	port, err := b.Start(context.Background())
	require.NoError(t, err)

	c := dial(t, port, sessionParams("go", "/tmp/ws"))
	defer c.Close()
	require.Eventually(t, func() bool {
		count, err := repo.Count(context.Background())
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.True(t, fake.Procs()[0].Exited())
	expectClose(t, c, websocket.CloseGoingAway, "shutting down")
}

// TestSessionsRefusedAfterShutdown drives an upgrade that reaches the handler
// after Shutdown has run; it must be turned away instead of spawning a child
// the dead supervisor would never terminate.
func TestSessionsRefusedAfterShutdown(t *testing.T) {
	fake := launchertest.New()
	b, _ := newTestBridge(t, fake)
	_, err := b.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Shutdown(context.Background()))

	impl := b.(*bridge)
	ts := httptest.NewServer(http.HandlerFunc(impl.handleUpgrade))
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + sessionParams("go", "/tmp/ws").Encode()
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer c.Close()

	expectClose(t, c, websocket.CloseGoingAway, "shutting down")
	assert.Zero(t, fake.LaunchCount())
}

func TestAvailableLanguagesPassthrough(t *testing.T) {
	fake := launchertest.New()
	fake.MarkMissing("gopls")
	b, _ := newTestBridge(t, fake)

	langs := b.AvailableLanguages()
	assert.NotContains(t, langs, "go")
	assert.Contains(t, langs, "typescript")
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
