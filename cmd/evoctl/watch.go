package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/config"
	"github.com/rexliu/evolink/pkg/duplex"
	"github.com/rexliu/evolink/pkg/journal"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var record bool
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream unsolicited events from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var store *journal.Store
			if record || cfg.Journal.Enabled {
				store, err = openJournal(cmd.Context(), ctx.profileDir, cfg)
				if err != nil {
					return err
				}
				defer store.Close()
			}
			printer := newEventPrinter(cmd.OutOrStdout(), count)
			subscribe := func(logger *zap.Logger) []duplex.Subscriber {
				subs := []duplex.Subscriber{printer}
				if store != nil {
					subs = append(subs, journal.NewRecorder(store, logger))
				}
				return subs
			}
			return ctx.withSubscribedClient(cmd.Context(), subscribe, func(runCtx context.Context, _ *duplex.Client, _ *zap.Logger) error {
				return printer.wait(runCtx)
			})
		},
	}
	cmd.Flags().BoolVar(&record, "journal", false, "Record events in the profile journal")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages (0 = until interrupted)")
	return cmd
}

// eventPrinter writes message events as JSON lines until count messages have
// been seen or the connection closes.
type eventPrinter struct {
	out   io.Writer
	count int

	mu       sync.Mutex
	seen     int
	finished chan error
}

func newEventPrinter(out io.Writer, count int) *eventPrinter {
	return &eventPrinter{out: out, count: count, finished: make(chan error, 1)}
}

func (p *eventPrinter) Notify(ev duplex.Event) {
	switch ev.Kind {
	case duplex.EventMessage:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.count > 0 && p.seen >= p.count {
			return
		}
		fmt.Fprintln(p.out, string(ev.Data))
		p.seen++
		if p.count > 0 && p.seen >= p.count {
			p.finish(nil)
		}
	case duplex.EventClose:
		p.finish(fmt.Errorf("watch: %w", duplex.ErrConnectionLost))
	}
}

func (p *eventPrinter) finish(err error) {
	select {
	case p.finished <- err:
	default:
	}
}

// wait blocks until the printer finishes or ctx ends.
func (p *eventPrinter) wait(ctx context.Context) error {
	select {
	case err := <-p.finished:
		return err
	case <-ctx.Done():
		return nil
	}
}

func newJournalCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the local event journal",
	}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent journaled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := openJournal(cmd.Context(), ctx.profileDir, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "journal is empty")
				return nil
			}
			for _, e := range entries {
				detail := e.Data
				if e.Error != "" {
					detail = e.Error
				}
				fmt.Fprintf(out, "%d %s %-7s %s\n", e.Seq, e.ReceivedAt.Format(time.RFC3339), e.Kind, detail)
			}
			return nil
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")
	cmd.AddCommand(tail)
	return cmd
}

func openJournal(ctx context.Context, profileDir string, cfg *config.ProfileConfig) (*journal.Store, error) {
	path := config.ResolvePath(profileDir, cfg.Journal.DBPath)
	store, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return store, nil
}
