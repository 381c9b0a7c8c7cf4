package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/duplex"
)

const maxBridgeLine = 1 << 20

// bridgeOutput is one line written to stdout. Responses carry Seq, the
// 1-based input line they answer; pushed events carry Event instead.
type bridgeOutput struct {
	Seq     int             `json:"seq,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

func newBridgeCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration
	var events bool
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Relay JSON lines from stdin as requests and print responses to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(runCtx context.Context, client *duplex.Client, logger *zap.Logger) error {
				b := &bridge{client: client, logger: logger, out: json.NewEncoder(cmd.OutOrStdout()), timeout: timeout}
				if events {
					forward := duplex.NewSubscriber(b.forwardEvent)
					client.AddSubscriber(forward)
					defer client.RemoveSubscriber(forward)
				}
				return b.run(runCtx, cmd.InOrStdin())
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (defaults to the profile setting)")
	cmd.Flags().BoolVar(&events, "events", false, "Also forward unsolicited events")
	return cmd
}

type bridge struct {
	client  *duplex.Client
	logger  *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	out *json.Encoder
	wg  sync.WaitGroup
}

// run issues one request per non-empty input line and returns once stdin is
// exhausted and every request has settled. Responses are written in the
// order they settle.
func (b *bridge) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBridgeLine)
	seq := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		seq++
		if !json.Valid(line) {
			b.write(bridgeOutput{Seq: seq, Error: "invalid JSON"})
			continue
		}
		payload := json.RawMessage(append([]byte(nil), line...))
		call := b.client.Go(payload, b.timeout)
		b.wg.Add(1)
		go b.await(ctx, seq, call)
	}
	b.wg.Wait()
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (b *bridge) await(ctx context.Context, seq int, call *duplex.Call) {
	defer b.wg.Done()
	resp, err := call.Wait(ctx)
	out := bridgeOutput{Seq: seq, ID: call.ID, Payload: resp}
	if err != nil {
		out.Error = err.Error()
	}
	b.write(out)
}

func (b *bridge) forwardEvent(ev duplex.Event) {
	out := bridgeOutput{Event: string(ev.Kind), Payload: ev.Data}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	b.write(out)
}

func (b *bridge) write(out bridgeOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.out.Encode(out); err != nil {
		b.logger.Warn("bridge write failed", zap.Error(err))
	}
}
