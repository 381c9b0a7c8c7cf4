package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/duplex"
)

const appendTimeout = 2 * time.Second

// Recorder journals every event it is notified of. Register it with
// duplex.Client.AddSubscriber.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder wraps store. A nil logger discards write failures.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger.With(zap.String("component", "journal"))}
}

// Notify implements duplex.Subscriber.
func (r *Recorder) Notify(ev duplex.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if _, err := r.store.Append(ctx, ev); err != nil {
		r.logger.Warn("journal append failed", zap.String("event", string(ev.Kind)), zap.Error(err))
	}
}
