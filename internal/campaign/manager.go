package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/quota"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/mshirdel/campaign-core/internal/util"
)

const (
	SMSKafkaTopic      = "send.sms"
	WhatsAppKafkaTopic = "send.whatsapp"
)

var (
	ErrNotFound           = errors.New("campaign not found")
	ErrNoRecipients       = errors.New("no recipients")
	ErrDispatchInProgress = errors.New("campaign dispatch already in progress")
	ErrNotDue             = errors.New("campaign is scheduled for a later time")
	ErrAlreadyTerminal    = errors.New("campaign is already terminal")
)

// GroupResolver expands a contact group into recipient addresses. Group CRUD
// is an external collaborator; only this lookup crosses the boundary.
type GroupResolver interface {
	Resolve(ctx context.Context, groupID string) ([]string, error)
}

// QuotaReserver is the guard contract the manager consumes.
type QuotaReserver interface {
	Reserve(ctx context.Context, subscriptionID int64, channel model.Channel, count int) (remaining int, err error)
}

// Manager expands bulk-send requests into per-recipient messages, charges the
// subscription quota, and feeds the dispatch pipeline through the outbox.
type Manager struct {
	db        *sqlx.DB
	campaigns repository.CampaignsRepository
	messages  repository.MessagesRepository
	outbox    repository.OutboxRepository
	quota     QuotaReserver
	groups    GroupResolver
}

func NewManager(
	db *sqlx.DB,
	campaignsRepo repository.CampaignsRepository,
	messagesRepo repository.MessagesRepository,
	outboxRepo repository.OutboxRepository,
	guard QuotaReserver,
	groups GroupResolver,
) *Manager {
	return &Manager{
		db:        db,
		campaigns: campaignsRepo,
		messages:  messagesRepo,
		outbox:    outboxRepo,
		quota:     guard,
		groups:    groups,
	}
}

// withTx runs fn inside one transaction. A nil db (unit tests with fake
// repositories) degrades to tx-less calls.
func (m *Manager) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if m.db == nil {
		return fn(nil)
	}
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type CreateRequest struct {
	UserID         int64
	SubscriptionID int64
	GroupID        string   // optional; expanded via GroupResolver
	Recipients     []string // optional explicit addresses
	Channel        model.Channel
	Content        string
	ScheduledAt    *time.Time
}

// CreateCampaign resolves and deduplicates the recipient set, reserves quota
// for the whole batch, and on success fans out one PENDING message per
// recipient plus its outbox envelope in a single transaction.
//
// A denied reservation still creates the campaign, terminally QUOTA_REJECTED
// with zero messages, and returns quota.ErrQuotaExceeded alongside it: the
// batch never enters the dispatch pipeline.
func (m *Manager) CreateCampaign(ctx context.Context, req CreateRequest) (*model.Campaign, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("invalid channel %q", req.Channel)
	}
	if req.Content == "" {
		return nil, errors.New("empty content")
	}

	recipients, err := m.resolveRecipients(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	c := model.Campaign{
		ID:         util.New(),
		UserID:     req.UserID,
		Channel:    req.Channel,
		Content:    req.Content,
		BulkStatus: model.BulkStatusQueued,
	}
	if req.GroupID != "" {
		c.GroupID = sql.NullString{String: req.GroupID, Valid: true}
	}
	if req.ScheduledAt != nil {
		c.ScheduledAt = sql.NullTime{Time: *req.ScheduledAt, Valid: true}
	}

	if _, err := m.quota.Reserve(ctx, req.SubscriptionID, req.Channel, len(recipients)); err != nil {
		if !errors.Is(err, quota.ErrQuotaExceeded) {
			return nil, err
		}
		c.Total = 0
		c.BulkStatus = model.BulkStatusQuotaRejected
		if ierr := m.campaigns.Insert(ctx, nil, c); ierr != nil {
			return nil, fmt.Errorf("insert rejected campaign: %w", ierr)
		}
		return &c, quota.ErrQuotaExceeded
	}

	// a future-scheduled campaign persists its fan-out now but enters the
	// dispatch pipeline only when StartDispatch runs at/after the due time
	deferred := req.ScheduledAt != nil && time.Now().Before(*req.ScheduledAt)

	c.Total = len(recipients)
	c.InProcess = !deferred

	topic := SMSKafkaTopic
	if req.Channel == model.ChannelWhatsApp {
		topic = WhatsAppKafkaTopic
	}

	msgs := make([]model.Message, 0, len(recipients))
	for _, to := range recipients {
		msgs = append(msgs, model.Message{
			ID:         util.New(),
			CampaignID: c.ID,
			UserID:     req.UserID,
			Recipient:  to,
			Content:    req.Content,
			Channel:    req.Channel,
		})
	}

	err = m.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := m.campaigns.Insert(ctx, tx, c); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		if err := m.messages.BulkInsertPending(ctx, tx, msgs); err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		if deferred {
			return nil
		}
		for _, msg := range msgs {
			payload, err := json.Marshal(model.Envelope{
				MessageID:  msg.ID,
				CampaignID: c.ID,
				UserID:     msg.UserID,
				Recipient:  msg.Recipient,
				Content:    msg.Content,
				Channel:    msg.Channel,
			})
			if err != nil {
				return fmt.Errorf("marshal envelope: %w", err)
			}
			if err := m.outbox.Insert(ctx, tx, "message", c.ID, topic, payload); err != nil {
				return fmt.Errorf("insert outbox: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues("pending", req.Channel.String()).Add(float64(len(msgs)))

	return &c, nil
}

// resolveRecipients merges explicit addresses with the expanded group,
// normalizes phone numbers, and drops duplicates preserving first occurrence.
func (m *Manager) resolveRecipients(ctx context.Context, req CreateRequest) ([]string, error) {
	raw := make([]string, 0, len(req.Recipients))
	raw = append(raw, req.Recipients...)

	if req.GroupID != "" {
		if m.groups == nil {
			return nil, errors.New("group resolver not configured")
		}
		expanded, err := m.groups.Resolve(ctx, req.GroupID)
		if err != nil {
			return nil, fmt.Errorf("resolve group %s: %w", req.GroupID, err)
		}
		raw = append(raw, expanded...)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		p := util.NormalizePhone(r)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// StartDispatch requests another dispatch pass over a campaign's remaining
// PENDING messages. At most one pass may be active: the in_process CAS rejects
// a second request until the current pass finishes.
func (m *Manager) StartDispatch(ctx context.Context, id string) error {
	c, err := m.campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	if c.BulkStatus.Terminal() {
		return ErrAlreadyTerminal
	}
	if c.ScheduledAt.Valid && time.Now().Before(c.ScheduledAt.Time) {
		return ErrNotDue
	}

	ok, err := m.campaigns.TryMarkInProcess(ctx, nil, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDispatchInProgress
	}

	pending, err := m.messages.ListPending(ctx, id, 0)
	if err != nil {
		return err
	}

	topic := SMSKafkaTopic
	if c.Channel == model.ChannelWhatsApp {
		topic = WhatsAppKafkaTopic
	}

	return m.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, msg := range pending {
			payload, err := json.Marshal(model.Envelope{
				MessageID:  msg.ID,
				CampaignID: c.ID,
				UserID:     msg.UserID,
				Recipient:  msg.Recipient,
				Content:    msg.Content,
				Channel:    msg.Channel,
			})
			if err != nil {
				return err
			}
			if err := m.outbox.Insert(ctx, tx, "message", c.ID, topic, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel terminally stops a campaign. Dispatch workers re-check the flag and
// stop pulling further pending messages; already-dispatched messages still
// receive their delivery receipts normally.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	c, err := m.campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	ok, err := m.campaigns.Finish(ctx, nil, id, model.BulkStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyTerminal
	}
	return nil
}

// FindByBulkID returns one campaign or ErrNotFound.
func (m *Manager) FindByBulkID(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := m.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns a filtered page of the user's campaigns.
func (m *Manager) List(ctx context.Context, userID int64, status model.BulkStatus, limit, offset int) ([]model.Campaign, error) {
	return m.campaigns.List(ctx, userID, status, limit, offset)
}

// Stats aggregates per-message counts for the reporting read path.
func (m *Manager) Stats(ctx context.Context, id string) (model.CampaignStats, error) {
	c, err := m.campaigns.GetByID(ctx, id)
	if err != nil {
		return model.CampaignStats{}, err
	}
	if c == nil {
		return model.CampaignStats{}, ErrNotFound
	}
	return m.messages.StatusBreakdown(ctx, id)
}
