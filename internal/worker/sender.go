package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/dispatcher"
	"github.com/mshirdel/campaign-core/internal/kafka"
	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/repository"
	"go.uber.org/zap"
)

// RetryScheduler hands transiently failed sends to the retry coordinator.
type RetryScheduler interface {
	Schedule(ctx context.Context, messageID string, failedAttempt int, lastError string) error
}

// MessageSource is the explicit fetch/commit surface of a consumer-group
// reader. *kafka.Consumer satisfies it.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Sender:
// - fetches dispatch envelopes from a Kafka send lane,
// - sends through the provider pool,
// - batches message/campaign state updates atomically,
// - routes transient failures to the retry coordinator.
type Sender struct {
	// Dependencies
	DB         *sqlx.DB
	Consumer   MessageSource
	Messages   repository.MessagesRepository
	Retries    repository.RetriesRepository
	Campaigns  repository.CampaignsRepository
	Dispatch   *dispatcher.Dispatcher
	RetrySched RetryScheduler
	Log        *zap.Logger

	// Behavior
	Channel   model.Channel // sms | whatsapp (topic-bound worker)
	Workers   int           // number of goroutines processing messages
	BatchSize int           // max buffered updates per flush (items)
	BatchWait time.Duration // max time to wait before flush
}

// NewSender builds a worker with sane defaults.
func NewSender(
	db *sqlx.DB,
	consumer MessageSource,
	msgRepo repository.MessagesRepository,
	retriesRepo repository.RetriesRepository,
	campaignsRepo repository.CampaignsRepository,
	dispatch *dispatcher.Dispatcher,
	retrySched RetryScheduler,
	channel model.Channel,
	log *zap.Logger,
) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		DB:         db,
		Consumer:   consumer,
		Messages:   msgRepo,
		Retries:    retriesRepo,
		Campaigns:  campaignsRepo,
		Dispatch:   dispatch,
		RetrySched: retrySched,
		Log:        log,
		Channel:    channel,
		Workers:    32,
		BatchSize:  200,
		BatchWait:  300 * time.Millisecond,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Sender) Run(ctx context.Context) error {
	if !w.Channel.Valid() {
		return errors.New("sender: invalid channel")
	}
	if w.Workers <= 0 {
		w.Workers = 32
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 200
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 300 * time.Millisecond
	}

	// Channel for worker results → batch writer
	updates := make(chan updateItem, w.BatchSize*2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(ctx, updates)
	}()

	// Fetch loop → fan-out to processors
	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
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

	// Start processors; updates closes only after the last one returned, so
	// shutdown cannot race a processor still handing off its result.
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runProcessor(ctx, msgCh, updates)
		}()
	}

	wg.Wait()
	close(updates)
	<-writerDone
	return nil
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeFailedPermanent
	outcomeFailedTransient
)

type updateItem struct {
	messageID  string
	campaignID string
	channel    model.Channel
	attempt    int
	providerID string
	outcome    sendOutcome
	errMsg     string
}

func (w *Sender) runProcessor(ctx context.Context, in <-chan kafka.Message, out chan<- updateItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			w.processOne(ctx, m, out)
		}
	}
}

// processOne parses an envelope, honors cancellation, dispatches, emits the
// result, and commits the Kafka offset (at-least-once; the DB layer is
// conditional so replays cannot regress state).
func (w *Sender) processOne(ctx context.Context, m kafka.Message, out chan<- updateItem) {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.MessageID == "" {
		_ = w.Consumer.Commit(ctx, m) // poison → commit, skip
		w.Log.Warn("bad envelope", zap.Error(err))
		return
	}
	if !env.Channel.Valid() {
		env.Channel = w.Channel
	}

	// Cancellation gate: a cancelled campaign stops pulling its pending
	// messages; already-dispatched ones still get their receipts.
	if env.CampaignID != "" {
		c, err := w.Campaigns.GetByID(ctx, env.CampaignID)
		if err == nil && c != nil && (!c.InProcess || c.BulkStatus.Terminal()) {
			_ = w.Consumer.Commit(ctx, m)
			w.Log.Debug("skipping message of stopped campaign",
				zap.String("campaign_id", env.CampaignID),
				zap.String("message_id", env.MessageID))
			return
		}
	}

	// attempt row precedes the provider call; idempotent for retries where
	// the coordinator already wrote it
	if err := w.Retries.Insert(ctx, nil, env.MessageID, env.Attempt); err != nil {
		w.Log.Warn("attempt insert failed", zap.String("message_id", env.MessageID), zap.Error(err))
	}

	providerID, derr := w.Dispatch.Dispatch(ctx, env)

	item := updateItem{
		messageID:  env.MessageID,
		campaignID: env.CampaignID,
		channel:    env.Channel,
		attempt:    env.Attempt,
		providerID: providerID,
	}

	switch {
	case derr == nil:
		metrics.MessagesTotal.WithLabelValues("sent", env.Channel.String()).Inc()
		item.outcome = outcomeSent
	case dispatcher.IsTransient(derr):
		item.outcome = outcomeFailedTransient
		item.errMsg = derr.Error()
	default:
		metrics.MessagesTotal.WithLabelValues("failed", env.Channel.String()).Inc()
		item.outcome = outcomeFailedPermanent
		item.errMsg = derr.Error()
	}

	select {
	case out <- item:
	case <-ctx.Done():
		// not committed; the message is refetched after restart
		return
	}

	// Always commit (at-least-once; idempotency is handled in the DB layer)
	if err := w.Consumer.Commit(ctx, m); err != nil {
		w.Log.Warn("kafka commit failed", zap.Error(err))
	}
}

// runBatchWriter does size/time-based flush of DB updates (messages + campaign
// counters) atomically, then hands transient failures to the coordinator.
func (w *Sender) runBatchWriter(ctx context.Context, in <-chan updateItem) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var batch []updateItem

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case u, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, u)
			if len(batch) >= w.BatchSize {
				flush()
			}

		case <-tick.C:
			flush()
		}
	}
}

type campaignDelta struct {
	sent   int
	failed int
}

// withTx runs fn inside one transaction. A nil DB (unit tests with fake
// repositories) degrades to tx-less calls.
func (w *Sender) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if w.DB == nil {
		return fn(nil)
	}
	tx, err := w.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Sender) flushBatch(ctx context.Context, batch []updateItem) {
	deltas := make(map[string]campaignDelta, 16)
	// terminal transitions that actually landed; attempt rows and retry
	// scheduling happen only after the tx commits
	var sentApplied, permApplied, transient []updateItem

	err := w.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, it := range batch {
			switch it.outcome {
			case outcomeSent:
				ok, err := w.Messages.MarkSent(ctx, tx, it.messageID, it.providerID)
				if err != nil {
					w.Log.Error("mark sent failed", zap.String("message_id", it.messageID), zap.Error(err))
					return err
				}
				if ok && it.campaignID != "" {
					d := deltas[it.campaignID]
					d.sent++
					deltas[it.campaignID] = d
				}
				if ok {
					sentApplied = append(sentApplied, it)
				}

			case outcomeFailedPermanent:
				ok, err := w.Messages.MarkFailed(ctx, tx, it.messageID, it.errMsg)
				if err != nil {
					w.Log.Error("mark failed failed", zap.String("message_id", it.messageID), zap.Error(err))
					return err
				}
				if ok && it.campaignID != "" {
					d := deltas[it.campaignID]
					d.failed++
					deltas[it.campaignID] = d
				}
				if ok {
					permApplied = append(permApplied, it)
				}

			case outcomeFailedTransient:
				transient = append(transient, it)
			}
		}

		for campaignID, d := range deltas {
			if err := w.Campaigns.AddSendCounters(ctx, tx, campaignID, d.sent, d.failed); err != nil {
				w.Log.Error("campaign counters failed", zap.String("campaign_id", campaignID), zap.Error(err))
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.Log.Error("batch flush failed", zap.Error(err))
		return
	}

	for _, it := range sentApplied {
		if err := w.Retries.Complete(ctx, it.messageID, it.attempt, model.AttemptSuccess); err != nil {
			w.Log.Warn("attempt complete failed", zap.String("message_id", it.messageID), zap.Error(err))
		}
	}
	for _, it := range permApplied {
		if err := w.Retries.Complete(ctx, it.messageID, it.attempt, model.AttemptFailed); err != nil {
			w.Log.Warn("attempt complete failed", zap.String("message_id", it.messageID), zap.Error(err))
		}
	}
	for _, it := range transient {
		if err := w.Retries.Complete(ctx, it.messageID, it.attempt, model.AttemptFailed); err != nil {
			w.Log.Warn("attempt complete failed", zap.String("message_id", it.messageID), zap.Error(err))
		}
		if err := w.Messages.SetLastError(ctx, it.messageID, it.errMsg); err != nil {
			w.Log.Warn("set last error failed", zap.String("message_id", it.messageID), zap.Error(err))
		}
		if err := w.RetrySched.Schedule(ctx, it.messageID, it.attempt, it.errMsg); err != nil {
			w.Log.Warn("retry schedule failed", zap.String("message_id", it.messageID), zap.Error(err))
		}
	}

	// close out campaigns whose last outstanding send just landed
	for campaignID := range deltas {
		if done, err := w.Campaigns.CompleteIfDone(ctx, campaignID); err != nil {
			w.Log.Warn("campaign completion check failed", zap.String("campaign_id", campaignID), zap.Error(err))
		} else if done {
			w.Log.Info("campaign completed", zap.String("campaign_id", campaignID))
		}
	}

	w.Log.Debug("flushed batch",
		zap.String("channel", w.Channel.String()),
		zap.Int("sent", len(sentApplied)),
		zap.Int("failed", len(permApplied)),
		zap.Int("transient", len(transient)))
}
