package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/evolink/pkg/config"
	"github.com/rexliu/evolink/pkg/duplex"
	"github.com/rexliu/evolink/pkg/journal"
	"github.com/rexliu/evolink/pkg/stub"
)

type cliTestEnv struct {
	srv        *stub.Server
	url        string
	profileDir string
	notified   chan string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	srv := stub.NewServer(nil, prometheus.NewRegistry())
	srv.Register("PING", func(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
		return map[string]any{"type": "PONG", "now": time.Now().UnixMilli()}, nil
	})
	srv.Register("ECHO", func(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
		return params, nil
	})
	srv.Register("FAIL", func(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
		return nil, stub.Errorf("RUN_NOT_FOUND", "no such run", nil)
	})
	env := &cliTestEnv{srv: srv, profileDir: filepath.Join(t.TempDir(), "profile"), notified: make(chan string, 4)}
	srv.HandleNotifications(func(ctx context.Context, payload json.RawMessage) {
		env.notified <- string(payload)
	})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	env.url = "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	return env
}

func runCLI(t *testing.T, env *cliTestEnv, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	flags := []string{"--profile", env.profileDir}
	if env.url != "" {
		flags = append(flags, "--url", env.url)
	}
	cmd.SetArgs(append(flags, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestInitAndDiag(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "", "diag")
	require.NoError(t, err)
	requireContains(t, out, "missing, using defaults")

	out, err = runCLI(t, env, "", "init", "--name", "lab")
	require.NoError(t, err)
	requireContains(t, out, "initialized profile lab")

	cfg, err := config.LoadProfile(env.profileDir)
	require.NoError(t, err)
	assert.Equal(t, env.url, cfg.Connection.URL)

	_, err = runCLI(t, env, "", "init")
	require.Error(t, err)
	requireContains(t, err.Error(), "--force")

	out, err = runCLI(t, env, "", "diag")
	require.NoError(t, err)
	requireContains(t, out, "Profile: lab")
	requireContains(t, out, "Endpoint: "+env.url)
	requireContains(t, out, "Max outstanding: 1024")
}

func TestPing(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, env, "", "ping")
	require.NoError(t, err)
	requireContains(t, out, "backend responded: PONG")
}

func TestRequestPrintsResponse(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "", "request", "--payload", `{"type":"ECHO","value":7}`)
	require.NoError(t, err)
	requireContains(t, out, `"value": 7`)

	out, err = runCLI(t, env, `{"type":"FAIL"}`, "request")
	require.Error(t, err)
	var be *backendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "RUN_NOT_FOUND", be.Code)
	requireContains(t, out, `"ERROR"`)

	_, err = runCLI(t, env, "", "request")
	assert.ErrorIs(t, err, errNoPayload)
}

func TestRequestConnectFailure(t *testing.T) {
	env := setupCLITestEnv(t)
	env.url = "ws://127.0.0.1:1/ws"
	_, err := runCLI(t, env, "", "ping")
	require.Error(t, err)
	requireContains(t, err.Error(), "connect")
}

func TestSendIsFireAndForget(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, env, "", "send", "--payload", `{"type":"STOP_RUN","runId":"r-1"}`)
	require.NoError(t, err)
	requireContains(t, out, "sent")

	select {
	case payload := <-env.notified:
		assert.JSONEq(t, `{"type":"STOP_RUN","runId":"r-1"}`, payload)
	case <-time.After(3 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestWatchRecordsJournal(t *testing.T) {
	env := setupCLITestEnv(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.srv.Hub().Broadcast(map[string]any{"type": "PROGRESS", "iteration": i})
			}
		}
	}()

	out, err := runCLI(t, env, "", "watch", "--journal", "--count", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	requireContains(t, lines[0], `"PROGRESS"`)

	store, err := journal.Open(filepath.Join(env.profileDir, "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Count(context.Background(), duplex.EventMessage)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	opened, err := store.Count(context.Background(), duplex.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, opened, "recorder is subscribed before the connection opens")

	out, err = runCLI(t, env, "", "journal", "tail", "--limit", "1")
	require.NoError(t, err)
	requireContains(t, out, "message")
}

func TestJournalTailEmpty(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, env, "", "journal", "tail")
	require.NoError(t, err)
	requireContains(t, out, "journal is empty")
}

func TestBridgeRelaysLines(t *testing.T) {
	env := setupCLITestEnv(t)
	stdin := `{"type":"PING"}` + "\n\nnot json\n" + `{"type":"ECHO","n":2}` + "\n"
	out, err := runCLI(t, env, stdin, "bridge", "--timeout", "2s")
	require.NoError(t, err)

	bySeq := map[int]bridgeOutput{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var o bridgeOutput
		require.NoError(t, json.Unmarshal([]byte(line), &o))
		bySeq[o.Seq] = o
	}
	require.Len(t, bySeq, 3)
	assert.Contains(t, string(bySeq[1].Payload), "PONG")
	assert.NotEmpty(t, bySeq[1].ID)
	assert.Equal(t, "invalid JSON", bySeq[2].Error)
	assert.JSONEq(t, `{"type":"ECHO","n":2}`, string(bySeq[3].Payload))
}

func TestApplyEndpoint(t *testing.T) {
	var conn config.ConnectionConfig
	require.NoError(t, applyEndpoint(&conn, "unix:///tmp/evo.sock"))
	assert.Equal(t, config.TransportUnix, conn.Transport)
	assert.Equal(t, "/tmp/evo.sock", conn.Address)

	require.NoError(t, applyEndpoint(&conn, "tcp://127.0.0.1:7421"))
	assert.Equal(t, config.TransportTCP, conn.Transport)
	assert.Equal(t, "127.0.0.1:7421", conn.Address)

	require.NoError(t, applyEndpoint(&conn, "wss://backend/ws"))
	assert.Equal(t, config.TransportWebSocket, conn.Transport)
	assert.Equal(t, "wss://backend/ws", conn.URL)

	assert.Error(t, applyEndpoint(&conn, "http://backend"))
}
