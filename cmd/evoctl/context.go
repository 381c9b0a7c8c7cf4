package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/config"
	"github.com/rexliu/evolink/pkg/duplex"
	"github.com/rexliu/evolink/pkg/logging"
	"github.com/rexliu/evolink/pkg/transport"
)

type commandContext struct {
	profileDir  string
	url         string
	metricsAddr string

	configOnce sync.Once
	config     *config.ProfileConfig
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.ProfileConfig, error) {
	c.configOnce.Do(func() {
		cfg, err := config.LoadProfileOrDefault(c.profileDir)
		if err != nil {
			c.configErr = fmt.Errorf("load profile %s: %w", c.profileDir, err)
			return
		}
		if c.url != "" {
			if err := applyEndpoint(&cfg.Connection, c.url); err != nil {
				c.configErr = err
				return
			}
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cfg *config.ProfileConfig) (*zap.Logger, error) {
	logCfg := cfg.Logging
	logCfg.FilePath = config.ResolvePath(c.profileDir, logCfg.FilePath)
	return logging.New(logCfg, "evoctl")
}

type clientFunc func(context.Context, *duplex.Client, *zap.Logger) error

// withClient connects to the backend, runs fn and tears the connection down.
func (c *commandContext) withClient(ctx context.Context, fn clientFunc) error {
	return c.withSubscribedClient(ctx, nil, fn)
}

// withSubscribedClient is withClient with subscribers registered before the
// connection opens, so they observe the open event and every frame after it.
func (c *commandContext) withSubscribedClient(ctx context.Context, subscribe func(*zap.Logger) []duplex.Subscriber, fn clientFunc) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	if c.metricsAddr != "" {
		stop, err := serveMetrics(c.metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	dialer, err := dialerFor(cfg.Connection, logger)
	if err != nil {
		return err
	}
	client := duplex.New(dialer,
		duplex.WithLogger(logger),
		duplex.WithMetrics(duplex.NewMetrics(reg)),
		duplex.WithDefaultTimeout(cfg.Requests.DefaultTimeout),
		duplex.WithMaxOutstanding(cfg.Requests.OutstandingLimit()),
	)
	defer client.Close()

	if subscribe != nil {
		for _, s := range subscribe(logger) {
			client.AddSubscriber(s)
		}
	}
	if err := awaitOpen(ctx, client, cfg.Connection.HandshakeTimeout); err != nil {
		return err
	}
	return fn(ctx, client, logger)
}

func dialerFor(conn config.ConnectionConfig, logger *zap.Logger) (duplex.Dialer, error) {
	switch conn.Transport {
	case config.TransportWebSocket:
		return &transport.WebSocket{
			URL:              conn.URL,
			HandshakeTimeout: conn.HandshakeTimeout,
			WriteTimeout:     conn.WriteTimeout,
			PingInterval:     conn.PingInterval,
			Logger:           logger,
		}, nil
	case config.TransportUnix, config.TransportTCP:
		return &transport.Stream{
			Network:     conn.Transport,
			Address:     conn.Address,
			DialTimeout: conn.HandshakeTimeout,
			Logger:      logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", conn.Transport)
	}
}

// applyEndpoint points conn at raw, picking the transport from its scheme.
func applyEndpoint(conn *config.ConnectionConfig, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse --url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		conn.Transport = config.TransportWebSocket
		conn.URL = raw
	case "unix":
		conn.Transport = config.TransportUnix
		conn.Address = u.Path
		if u.Host != "" {
			conn.Address = u.Host + u.Path
		}
	case "tcp":
		conn.Transport = config.TransportTCP
		conn.Address = u.Host
	default:
		return fmt.Errorf("unsupported --url scheme %q", u.Scheme)
	}
	return nil
}

// awaitOpen connects client and waits for the first lifecycle outcome.
func awaitOpen(ctx context.Context, client *duplex.Client, timeout time.Duration) error {
	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	watcher := duplex.NewSubscriber(func(ev duplex.Event) {
		switch ev.Kind {
		case duplex.EventOpen:
			report(nil)
		case duplex.EventError:
			report(ev.Err)
		case duplex.EventClose:
			report(duplex.ErrConnectionLost)
		}
	})
	client.AddSubscriber(watcher)
	defer client.RemoveSubscriber(watcher)

	client.Connect()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("connect: no answer after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backendError reports an ERROR payload returned by the backend.
type backendError struct {
	Code    string
	Message string
}

func (e *backendError) Error() string {
	return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
}

func checkBackendError(payload []byte) error {
	var probe struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Type != "ERROR" {
		return nil
	}
	return &backendError{Code: probe.Code, Message: probe.Message}
}

var errNoPayload = errors.New("no payload given (use --payload, --file or stdin)")
