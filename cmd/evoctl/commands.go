package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/config"
	"github.com/rexliu/evolink/pkg/duplex"
)

func newInitCommand(ctx *commandContext) *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Initialize a local profile (writes config.toml)",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := filepath.Join(ctx.profileDir, config.FileName)
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
			}
			cfg := config.DefaultProfile(name)
			if ctx.url != "" {
				if err := applyEndpoint(&cfg.Connection, ctx.url); err != nil {
					return err
				}
			}
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized profile %s at %s\n", cfg.ProfileName, ctx.profileDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "dev", "Profile name")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config if present")
	return cmd
}

func newDiagCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print the effective profile configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			configPath := filepath.Join(ctx.profileDir, config.FileName)
			if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
				configPath += " (missing, using defaults)"
			}
			fmt.Fprintf(out, "Profile: %s\n", cfg.ProfileName)
			fmt.Fprintf(out, "Config: %s\n", configPath)
			fmt.Fprintf(out, "Transport: %s\n", cfg.Connection.Transport)
			if cfg.Connection.Transport == config.TransportWebSocket {
				fmt.Fprintf(out, "Endpoint: %s\n", cfg.Connection.URL)
			} else {
				fmt.Fprintf(out, "Endpoint: %s\n", cfg.Connection.Address)
			}
			fmt.Fprintf(out, "Request timeout: %s\n", cfg.Requests.DefaultTimeout)
			if limit := cfg.Requests.OutstandingLimit(); limit > 0 {
				fmt.Fprintf(out, "Max outstanding: %d\n", limit)
			} else {
				fmt.Fprintln(out, "Max outstanding: unlimited")
			}
			fmt.Fprintf(out, "Journal: %s (enabled=%t)\n", config.ResolvePath(ctx.profileDir, cfg.Journal.DBPath), cfg.Journal.Enabled)
			if cfg.Logging.FilePath != "" {
				fmt.Fprintf(out, "Log File: %s\n", config.ResolvePath(ctx.profileDir, cfg.Logging.FilePath))
			}
			return nil
		},
	}
}

func newPingCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a PING request and report the round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(runCtx context.Context, client *duplex.Client, _ *zap.Logger) error {
				type pong struct {
					Type string `json:"type"`
					Now  int64  `json:"now"`
				}
				started := time.Now()
				resp, err := duplex.Request[pong](runCtx, client, map[string]string{"type": "PING"}, timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backend responded: %s in %s\n", resp.Type, time.Since(started).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Request timeout (defaults to the profile setting)")
	return cmd
}

func newRequestCommand(ctx *commandContext) *cobra.Command {
	var payloadFlag, fileFlag string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send a correlated request and print the response payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadFlag, fileFlag)
			if err != nil {
				return err
			}
			return ctx.withClient(cmd.Context(), func(runCtx context.Context, client *duplex.Client, _ *zap.Logger) error {
				resp, err := client.SendRequest(runCtx, payload, timeout)
				if err != nil {
					return err
				}
				var pretty bytes.Buffer
				if err := json.Indent(&pretty, resp, "", "  "); err != nil {
					return fmt.Errorf("format response: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
				return checkBackendError(resp)
			})
		},
	}
	cmd.Flags().StringVar(&payloadFlag, "payload", "", "Inline JSON payload")
	cmd.Flags().StringVar(&fileFlag, "file", "", "Path to a JSON payload (defaults to stdin)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Request timeout (defaults to the profile setting)")
	return cmd
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	var payloadFlag, fileFlag string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a fire-and-forget message",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadFlag, fileFlag)
			if err != nil {
				return err
			}
			return ctx.withClient(cmd.Context(), func(_ context.Context, client *duplex.Client, _ *zap.Logger) error {
				if err := client.Send(payload); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payloadFlag, "payload", "", "Inline JSON payload")
	cmd.Flags().StringVar(&fileFlag, "file", "", "Path to a JSON payload (defaults to stdin)")
	return cmd
}

func readPayload(stdin io.Reader, inline, path string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case path != "":
		data, err = os.ReadFile(path)
	case inline != "":
		data = []byte(inline)
	default:
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errNoPayload
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
