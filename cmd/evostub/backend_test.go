package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/config"
	"github.com/rexliu/evolink/pkg/duplex"
	"github.com/rexliu/evolink/pkg/stub"
	"github.com/rexliu/evolink/pkg/transport"
)

type published struct {
	mu     sync.Mutex
	events []map[string]any
}

func (p *published) publish(ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.(map[string]any))
}

func (p *published) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev["type"].(string))
	}
	return out
}

func newTestBackend(t *testing.T, maxIterations int) (*backend, *published) {
	t.Helper()
	pub := &published{}
	return newBackend(zap.NewNop(), prometheus.NewRegistry(), pub.publish, maxIterations), pub
}

func call(t *testing.T, fn stub.HandlerFunc, params string) map[string]any {
	t.Helper()
	result, rpcErr := fn(context.Background(), json.RawMessage(params))
	require.Nil(t, rpcErr)
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRunLifecycle(t *testing.T) {
	b, pub := newTestBackend(t, 2)

	started := call(t, b.handleStartRun, `{}`)
	require.Equal(t, "RUN_STARTED", started["type"])
	runID := started["run"].(map[string]any)["runId"].(string)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.activeRuns))

	b.tick()
	b.tick()
	b.tick()
	assert.Equal(t, []string{"PROGRESS", "PROGRESS", "RUN_FINISHED"}, pub.types())
	assert.Equal(t, 0.0, testutil.ToFloat64(b.activeRuns))

	listed := call(t, b.handleListRuns, `{}`)
	runs := listed["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].(map[string]any)["runId"])
	assert.Equal(t, statusFinished, runs[0].(map[string]any)["status"])
}

func TestStopRun(t *testing.T) {
	b, pub := newTestBackend(t, 10)
	started := call(t, b.handleStartRun, `{"maxIterations":5}`)
	runID := started["run"].(map[string]any)["runId"].(string)

	stopped := call(t, b.handleStopRun, `{"runId":"`+runID+`"}`)
	assert.Equal(t, statusStopped, stopped["run"].(map[string]any)["status"])
	b.tick()
	assert.Empty(t, pub.types())

	_, rpcErr := b.handleStopRun(context.Background(), json.RawMessage(`{"runId":"missing"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, "RUN_NOT_FOUND", rpcErr.Code)

	_, rpcErr = b.handleStopRun(context.Background(), json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, "INVALID_REQUEST", rpcErr.Code)
}

func TestStopRunNotification(t *testing.T) {
	b, _ := newTestBackend(t, 10)
	started := call(t, b.handleStartRun, `{}`)
	runID := started["run"].(map[string]any)["runId"].(string)

	b.handleNotification(context.Background(), json.RawMessage(`{"type":"STOP_RUN","runId":"`+runID+`"}`))
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, statusStopped, b.runs[runID].Status)
}

func TestConfigCRUD(t *testing.T) {
	b, _ := newTestBackend(t, 10)

	created := call(t, b.handleCreateConfig, `{"name":"onemax","settings":{"population":50}}`)
	require.Equal(t, "CONFIG_CREATED", created["type"])
	cfgID := created["config"].(map[string]any)["configId"].(string)

	updated := call(t, b.handleUpdateConfig, `{"configId":"`+cfgID+`","name":"onemax-large"}`)
	cfg := updated["config"].(map[string]any)
	assert.Equal(t, "onemax-large", cfg["name"])
	assert.Equal(t, 2.0, cfg["version"])
	assert.Equal(t, map[string]any{"population": 50.0}, cfg["settings"])

	call(t, b.handleStartRun, `{"configId":"`+cfgID+`"}`)
	_, rpcErr := b.handleDeleteConfig(context.Background(), json.RawMessage(`{"configId":"`+cfgID+`"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, "CONFIG_IN_USE", rpcErr.Code)

	for id := range b.runs {
		b.stopRun(id)
	}
	deleted := call(t, b.handleDeleteConfig, `{"configId":"`+cfgID+`"}`)
	assert.Equal(t, "CONFIG_DELETED", deleted["type"])

	_, rpcErr = b.handleStartRun(context.Background(), json.RawMessage(`{"configId":"`+cfgID+`"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, "CONFIG_NOT_FOUND", rpcErr.Code)

	_, rpcErr = b.handleCreateConfig(context.Background(), json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, "INVALID_REQUEST", rpcErr.Code)
}

func TestRunServesClients(t *testing.T) {
	cfg := config.DefaultProfile("test")
	cfg.Stub.ListenAddr = "127.0.0.1:0"
	cfg.Stub.ProgressInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan *stub.Server, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, t.TempDir(), zap.NewNop(), ready) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	var srv *stub.Server
	select {
	case srv = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	}

	progress := make(chan duplex.Event, 16)
	client := duplex.New(wsDialer(srv))
	client.AddSubscriber(duplex.NewSubscriber(func(ev duplex.Event) {
		if ev.Kind != duplex.EventMessage {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if ev.Decode(&msg) == nil && msg.Type == "PROGRESS" {
			select {
			case progress <- ev:
			default:
			}
		}
	}))
	defer client.Close()
	client.Connect()
	require.Eventually(t, client.IsConnected, 3*time.Second, 10*time.Millisecond)

	type started struct {
		Type string   `json:"type"`
		Run  runState `json:"run"`
	}
	resp, err := duplex.Request[started](ctx, client, map[string]any{"type": "START_RUN", "maxIterations": 50}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "RUN_STARTED", resp.Type)

	select {
	case ev := <-progress:
		var p struct {
			RunID string `json:"runId"`
		}
		require.NoError(t, ev.Decode(&p))
		assert.Equal(t, resp.Run.ID, p.RunID)
	case <-time.After(3 * time.Second):
		t.Fatal("no progress event")
	}
}

func wsDialer(srv *stub.Server) duplex.Dialer {
	return &transport.WebSocket{URL: "ws://" + srv.Addr().String() + "/ws"}
}
