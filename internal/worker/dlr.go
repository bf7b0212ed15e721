package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mshirdel/campaign-core/internal/dlr"
	"github.com/mshirdel/campaign-core/internal/kafka"
	"github.com/mshirdel/campaign-core/internal/model"
	"go.uber.org/zap"
)

// DLRWorker drains the polled receipt queue into the delivery status
// processor and periodically sweeps the unprocessed backlog. Ingestion errors
// are contained per receipt: one bad DLR never blocks the ones behind it.
type DLRWorker struct {
	Consumer  *kafka.Consumer
	Processor *dlr.Processor
	Log       *zap.Logger

	Workers       int
	BacklogCutoff time.Duration
	SweepInterval time.Duration
}

func NewDLRWorker(consumer *kafka.Consumer, processor *dlr.Processor, log *zap.Logger) *DLRWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &DLRWorker{
		Consumer:      consumer,
		Processor:     processor,
		Log:           log,
		Workers:       16,
		BacklogCutoff: 24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// Run blocks until ctx is cancelled.
func (w *DLRWorker) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.BacklogCutoff <= 0 {
		w.BacklogCutoff = 24 * time.Hour
	}
	if w.SweepInterval <= 0 {
		w.SweepInterval = 10 * time.Minute
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := w.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					w.Log.Warn("kafka fetch failed", zap.Error(err))
					time.Sleep(200 * time.Millisecond)
					continue
				}
				msgCh <- m
			}
		}
	}()

	for i := 0; i < w.Workers; i++ {
		go w.runIngester(ctx, msgCh)
	}

	go w.runSweeper(ctx)

	<-ctx.Done()
	return nil
}

func (w *DLRWorker) runIngester(ctx context.Context, in <-chan kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}

			var rc model.DeliveryReceipt
			if err := json.Unmarshal(m.Value, &rc); err != nil {
				w.Log.Warn("bad receipt payload", zap.Error(err))
				_ = w.Consumer.Commit(ctx, m)
				continue
			}

			if err := w.Processor.Ingest(ctx, rc); err != nil {
				// storage error: leave uncommitted, the receipt is refetched
				w.Log.Warn("receipt ingest failed",
					zap.String("provider_msg_id", rc.ProviderMsgID), zap.Error(err))
				continue
			}

			if err := w.Consumer.Commit(ctx, m); err != nil {
				w.Log.Warn("kafka commit failed", zap.Error(err))
			}
		}
	}
}

func (w *DLRWorker) runSweeper(ctx context.Context) {
	tick := time.NewTicker(w.SweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := w.Processor.SweepBacklog(ctx, w.BacklogCutoff, 500)
			if err != nil && ctx.Err() == nil {
				w.Log.Warn("backlog sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.Log.Info("backlog sweep handled receipts", zap.Int("count", n))
			}
		}
	}
}
