package main

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/duplex"
	"github.com/rexliu/evolink/pkg/stub"
)

// Run statuses.
const (
	statusRunning  = "running"
	statusStopped  = "stopped"
	statusFinished = "finished"
)

type runState struct {
	ID            string    `json:"runId"`
	ConfigID      string    `json:"configId,omitempty"`
	Status        string    `json:"status"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"maxIterations"`
	BestFitness   float64   `json:"bestFitness"`
	StartedAt     time.Time `json:"startedAt"`
}

type runConfig struct {
	ID       string          `json:"configId"`
	Name     string          `json:"name"`
	Settings json.RawMessage `json:"settings,omitempty"`
	Version  int             `json:"version"`
}

// backend is an in-memory stand-in for the evolution scheduler.
type backend struct {
	logger        *zap.Logger
	publish       func(event any)
	maxIterations int
	activeRuns    prometheus.Gauge

	mu      sync.Mutex
	runs    map[string]*runState
	configs map[string]*runConfig
}

func newBackend(logger *zap.Logger, reg prometheus.Registerer, publish func(any), maxIterations int) *backend {
	if maxIterations <= 0 {
		maxIterations = 100
	}
	return &backend{
		logger:        logger,
		publish:       publish,
		maxIterations: maxIterations,
		activeRuns: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "evostub_active_runs",
			Help: "Runs currently advancing.",
		}),
		runs:    make(map[string]*runState),
		configs: make(map[string]*runConfig),
	}
}

func (b *backend) register(srv *stub.Server) {
	srv.Register("PING", b.handlePing)
	srv.Register("START_RUN", b.handleStartRun)
	srv.Register("STOP_RUN", b.handleStopRun)
	srv.Register("LIST_RUNS", b.handleListRuns)
	srv.Register("CREATE_CONFIG", b.handleCreateConfig)
	srv.Register("UPDATE_CONFIG", b.handleUpdateConfig)
	srv.Register("DELETE_CONFIG", b.handleDeleteConfig)
	srv.HandleNotifications(b.handleNotification)
}

func (b *backend) handlePing(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	return map[string]any{"type": "PONG", "now": time.Now().UnixMilli()}, nil
}

func (b *backend) handleStartRun(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	var req struct {
		ConfigID      string `json:"configId"`
		MaxIterations int    `json:"maxIterations"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, stub.Errorf("INVALID_REQUEST", "invalid params", nil)
	}
	if req.MaxIterations < 0 {
		return nil, stub.Errorf("INVALID_REQUEST", "maxIterations must not be negative", nil)
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = b.maxIterations
	}

	b.mu.Lock()
	if req.ConfigID != "" {
		if _, ok := b.configs[req.ConfigID]; !ok {
			b.mu.Unlock()
			return nil, stub.Errorf("CONFIG_NOT_FOUND", "unknown config", map[string]any{"configId": req.ConfigID})
		}
	}
	r := &runState{
		ID:            duplex.NewToken(),
		ConfigID:      req.ConfigID,
		Status:        statusRunning,
		MaxIterations: req.MaxIterations,
		StartedAt:     time.Now().UTC(),
	}
	b.runs[r.ID] = r
	snapshot := *r
	b.updateGaugeLocked()
	b.mu.Unlock()

	b.logger.Info("run started", zap.String("runId", r.ID), zap.Int("maxIterations", r.MaxIterations))
	return map[string]any{"type": "RUN_STARTED", "run": snapshot}, nil
}

func (b *backend) handleStopRun(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	var req struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.RunID == "" {
		return nil, stub.Errorf("INVALID_REQUEST", "runId required", nil)
	}
	snapshot, ok := b.stopRun(req.RunID)
	if !ok {
		return nil, stub.Errorf("RUN_NOT_FOUND", "unknown run", map[string]any{"runId": req.RunID})
	}
	return map[string]any{"type": "RUN_STOPPED", "run": snapshot}, nil
}

func (b *backend) stopRun(id string) (runState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return runState{}, false
	}
	if r.Status == statusRunning {
		r.Status = statusStopped
		b.updateGaugeLocked()
		b.logger.Info("run stopped", zap.String("runId", id), zap.Int("iteration", r.Iteration))
	}
	return *r, true
}

func (b *backend) handleListRuns(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	b.mu.Lock()
	runs := make([]runState, 0, len(b.runs))
	for _, r := range b.runs {
		runs = append(runs, *r)
	}
	b.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return map[string]any{"type": "RUNS", "runs": runs}, nil
}

func (b *backend) handleCreateConfig(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	var req struct {
		Name     string          `json:"name"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, stub.Errorf("INVALID_REQUEST", "invalid params", nil)
	}
	if req.Name == "" {
		return nil, stub.Errorf("INVALID_REQUEST", "name required", nil)
	}
	cfg := &runConfig{ID: duplex.NewToken(), Name: req.Name, Settings: req.Settings, Version: 1}

	b.mu.Lock()
	b.configs[cfg.ID] = cfg
	snapshot := *cfg
	b.mu.Unlock()
	return map[string]any{"type": "CONFIG_CREATED", "config": snapshot}, nil
}

func (b *backend) handleUpdateConfig(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	var req struct {
		ConfigID string          `json:"configId"`
		Name     string          `json:"name"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ConfigID == "" {
		return nil, stub.Errorf("INVALID_REQUEST", "configId required", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.configs[req.ConfigID]
	if !ok {
		return nil, stub.Errorf("CONFIG_NOT_FOUND", "unknown config", map[string]any{"configId": req.ConfigID})
	}
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if len(req.Settings) > 0 {
		cfg.Settings = req.Settings
	}
	cfg.Version++
	return map[string]any{"type": "CONFIG_UPDATED", "config": *cfg}, nil
}

func (b *backend) handleDeleteConfig(ctx context.Context, params json.RawMessage) (any, *stub.Error) {
	var req struct {
		ConfigID string `json:"configId"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ConfigID == "" {
		return nil, stub.Errorf("INVALID_REQUEST", "configId required", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.configs[req.ConfigID]; !ok {
		return nil, stub.Errorf("CONFIG_NOT_FOUND", "unknown config", map[string]any{"configId": req.ConfigID})
	}
	for _, r := range b.runs {
		if r.ConfigID == req.ConfigID && r.Status == statusRunning {
			return nil, stub.Errorf("CONFIG_IN_USE", "config has a running run", map[string]any{"runId": r.ID})
		}
	}
	delete(b.configs, req.ConfigID)
	return map[string]any{"type": "CONFIG_DELETED", "configId": req.ConfigID}, nil
}

// handleNotification accepts fire-and-forget STOP_RUN frames.
func (b *backend) handleNotification(ctx context.Context, payload json.RawMessage) {
	var msg struct {
		Type  string `json:"type"`
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("ignoring notification", zap.Error(err))
		return
	}
	switch msg.Type {
	case "STOP_RUN":
		if _, ok := b.stopRun(msg.RunID); !ok {
			b.logger.Warn("stop for unknown run", zap.String("runId", msg.RunID))
		}
	default:
		b.logger.Debug("unhandled notification", zap.String("type", msg.Type))
	}
}

// tick advances every running run by one iteration and publishes progress.
func (b *backend) tick() {
	var events []any
	b.mu.Lock()
	for _, r := range b.runs {
		if r.Status != statusRunning {
			continue
		}
		r.Iteration++
		r.BestFitness = fitnessAt(r.Iteration)
		events = append(events, map[string]any{
			"type":        "PROGRESS",
			"runId":       r.ID,
			"iteration":   r.Iteration,
			"bestFitness": r.BestFitness,
		})
		if r.Iteration >= r.MaxIterations {
			r.Status = statusFinished
			events = append(events, map[string]any{"type": "RUN_FINISHED", "run": *r})
		}
	}
	b.updateGaugeLocked()
	b.mu.Unlock()

	for _, ev := range events {
		b.publish(ev)
	}
}

func (b *backend) runProgress(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *backend) updateGaugeLocked() {
	active := 0
	for _, r := range b.runs {
		if r.Status == statusRunning {
			active++
		}
	}
	b.activeRuns.Set(float64(active))
}

// fitnessAt approaches 1 as the run converges.
func fitnessAt(iteration int) float64 {
	return 1 - 1/float64(iteration+1)
}
