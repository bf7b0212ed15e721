package retry

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dueSetKey    = "retry:due"
	jitterFactor = 0.3
)

// DelayedQueue is the minimal delayed-work surface the coordinator needs.
// Backed by a Redis ZSET scored by due time in production.
type DelayedQueue interface {
	Push(ctx context.Context, member string, due time.Time) error
	// PopDue returns due members, each removed exactly once even with
	// multiple coordinator instances polling.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type redisQueue struct {
	rds *redis.Client
}

func NewRedisQueue(rds *redis.Client) DelayedQueue { return &redisQueue{rds: rds} }

func (q *redisQueue) Push(ctx context.Context, member string, due time.Time) error {
	return q.rds.ZAdd(ctx, dueSetKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: member,
	}).Err()
}

func (q *redisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := q.rds.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	// ZREM is the claim: a member another instance already removed is skipped.
	claimed := make([]string, 0, len(members))
	for _, m := range members {
		n, err := q.rds.ZRem(ctx, dueSetKey, m).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}

type Config struct {
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Coordinator schedules bounded, backed-off retries for transiently failed
// sends and re-injects them into the dispatch pipeline through the outbox.
type Coordinator struct {
	cfg       Config
	queue     DelayedQueue
	messages  repository.MessagesRepository
	retries   repository.RetriesRepository
	campaigns repository.CampaignsRepository
	outbox    repository.OutboxRepository
	topicFor  func(model.Channel) string
	log       *zap.Logger
}

func NewCoordinator(
	cfg Config,
	queue DelayedQueue,
	messagesRepo repository.MessagesRepository,
	retriesRepo repository.RetriesRepository,
	campaignsRepo repository.CampaignsRepository,
	outboxRepo repository.OutboxRepository,
	topicFor func(model.Channel) string,
	log *zap.Logger,
) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		messages:  messagesRepo,
		retries:   retriesRepo,
		campaigns: campaignsRepo,
		outbox:    outboxRepo,
		topicFor:  topicFor,
		log:       log,
	}
}

func (c *Coordinator) MaxRetries() int { return c.cfg.MaxRetries }

// Backoff returns the delay before the retry following `failedAttempt`
// (0-based): exponential from the base with +/-30% jitter. MaxBackoff is a
// hard ceiling, so the jittered delay is clamped, not just the exponential.
func (c *Coordinator) Backoff(failedAttempt int) time.Duration {
	d := c.cfg.BaseBackoff << uint(failedAttempt)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	jitter := 1 + jitterFactor*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// Schedule queues the next retry after attempt `failedAttempt` failed
// transiently. Once maxRetries attempts are exhausted the message is
// terminally failed instead and no further attempt rows will ever appear.
func (c *Coordinator) Schedule(ctx context.Context, messageID string, failedAttempt int, lastError string) error {
	if failedAttempt+1 > c.cfg.MaxRetries {
		return c.exhaust(ctx, messageID, lastError)
	}

	due := time.Now().Add(c.Backoff(failedAttempt))
	if err := c.queue.Push(ctx, messageID, due); err != nil {
		return err
	}
	metrics.RetriesTotal.WithLabelValues("scheduled").Inc()
	c.log.Debug("retry scheduled",
		zap.String("message_id", messageID),
		zap.Int("failed_attempt", failedAttempt),
		zap.Time("due", due))
	return nil
}

func (c *Coordinator) exhaust(ctx context.Context, messageID, lastError string) error {
	msg, err := c.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.SendStatus.Terminal() {
		return nil
	}

	failed, err := c.messages.MarkFailed(ctx, nil, messageID, lastError)
	if err != nil {
		return err
	}
	if !failed {
		// lost the race to a terminal transition; nothing to aggregate
		return nil
	}

	metrics.RetriesTotal.WithLabelValues("exhausted").Inc()
	metrics.MessagesTotal.WithLabelValues("failed", msg.Channel.String()).Inc()

	if err := c.campaigns.AddSendCounters(ctx, nil, msg.CampaignID, 0, 1); err != nil {
		return err
	}
	_, err = c.campaigns.CompleteIfDone(ctx, msg.CampaignID)
	return err
}

// Run polls the delayed queue and re-injects due retries until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := c.drainDue(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("retry drain failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) drainDue(ctx context.Context) error {
	ids, err := c.queue.PopDue(ctx, time.Now(), 200)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.redispatch(ctx, id); err != nil {
			c.log.Warn("redispatch failed", zap.String("message_id", id), zap.Error(err))
		}
	}
	return nil
}

// redispatch re-reads message state immediately before re-injecting: a retry
// whose message already reached SENT or a terminal state via a racing attempt
// is cancelled, not re-sent.
func (c *Coordinator) redispatch(ctx context.Context, messageID string) error {
	msg, err := c.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.SendStatus != model.SendPending {
		metrics.RetriesTotal.WithLabelValues("cancelled").Inc()
		return nil
	}

	attempt := msg.RetryCount + 1
	if attempt > c.cfg.MaxRetries {
		return c.exhaust(ctx, messageID, stringOrDefault(msg.LastError.String, "retries exhausted"))
	}

	ok, err := c.messages.IncrementRetry(ctx, messageID)
	if err != nil {
		return err
	}
	if !ok {
		metrics.RetriesTotal.WithLabelValues("cancelled").Inc()
		return nil
	}

	// attempt row goes in before the re-dispatch; the sender worker completes it
	if err := c.retries.Insert(ctx, nil, messageID, attempt); err != nil {
		return err
	}

	payload, err := json.Marshal(model.Envelope{
		MessageID:  msg.ID,
		CampaignID: msg.CampaignID,
		UserID:     msg.UserID,
		Recipient:  msg.Recipient,
		Content:    msg.Content,
		Channel:    msg.Channel,
		Attempt:    attempt,
	})
	if err != nil {
		return err
	}

	if err := c.outbox.Insert(ctx, nil, "message", msg.CampaignID, c.topicFor(msg.Channel), payload); err != nil {
		return err
	}

	metrics.RetriesTotal.WithLabelValues("redispatched").Inc()
	return nil
}

func stringOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
