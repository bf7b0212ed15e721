package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- in-memory fakes (tx params are ignored; Manager degrades to tx-less
// calls when constructed with a nil *sqlx.DB) ----

type fakeCampaignsRepo struct {
	mu        sync.Mutex
	campaigns map[string]model.Campaign
}

func newFakeCampaignsRepo() *fakeCampaignsRepo {
	return &fakeCampaignsRepo{campaigns: map[string]model.Campaign{}}
}

func (r *fakeCampaignsRepo) Insert(_ context.Context, _ *sqlx.Tx, c model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *fakeCampaignsRepo) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *fakeCampaignsRepo) List(_ context.Context, userID int64, status model.BulkStatus, _, _ int) ([]model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Campaign
	for _, c := range r.campaigns {
		if c.UserID != userID {
			continue
		}
		if status != "" && c.BulkStatus != status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeCampaignsRepo) TryMarkInProcess(_ context.Context, _ *sqlx.Tx, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.InProcess || c.BulkStatus != model.BulkStatusQueued {
		return false, nil
	}
	c.InProcess = true
	r.campaigns[id] = c
	return true, nil
}

func (r *fakeCampaignsRepo) Finish(_ context.Context, _ *sqlx.Tx, id string, status model.BulkStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.BulkStatus != model.BulkStatusQueued {
		return false, nil
	}
	c.InProcess = false
	c.BulkStatus = status
	r.campaigns[id] = c
	return true, nil
}

func (r *fakeCampaignsRepo) AddSendCounters(_ context.Context, _ *sqlx.Tx, id string, sent, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	c.Sent += sent
	c.Failed += failed
	r.campaigns[id] = c
	return nil
}

func (r *fakeCampaignsRepo) AddDeliveryCounters(_ context.Context, _ *sqlx.Tx, id string, delivered, read, undelivered int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.campaigns[id]
	c.Delivered += delivered
	c.ReadCount += read
	c.Undelivered += undelivered
	r.campaigns[id] = c
	return nil
}

func (r *fakeCampaignsRepo) CompleteIfDone(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || !c.InProcess || c.Sent+c.Failed < c.Total {
		return false, nil
	}
	c.InProcess = false
	c.BulkStatus = model.BulkStatusCompleted
	r.campaigns[id] = c
	return true, nil
}

type fakeMessagesRepo struct {
	mu       sync.Mutex
	messages map[string]model.Message
}

func newFakeMessagesRepo() *fakeMessagesRepo {
	return &fakeMessagesRepo{messages: map[string]model.Message{}}
}

func (r *fakeMessagesRepo) BulkInsertPending(_ context.Context, _ *sqlx.Tx, msgs []model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		m.SendStatus = model.SendPending
		m.DeliveryStatus = model.DeliveryPending
		r.messages[m.ID] = m
	}
	return nil
}

func (r *fakeMessagesRepo) GetByID(_ context.Context, id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *fakeMessagesRepo) GetByProviderMsgID(_ context.Context, pid string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ProviderMsgID.Valid && m.ProviderMsgID.String == pid {
			return &m, nil
		}
	}
	return nil, nil
}

func (r *fakeMessagesRepo) MarkSent(_ context.Context, _ *sqlx.Tx, id, pid string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.SendStatus != model.SendPending {
		return false, nil
	}
	m.SendStatus = model.SendSent
	m.ProviderMsgID.String = pid
	m.ProviderMsgID.Valid = true
	r.messages[id] = m
	return true, nil
}

func (r *fakeMessagesRepo) MarkFailed(_ context.Context, _ *sqlx.Tx, id, lastError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.SendStatus != model.SendPending {
		return false, nil
	}
	m.SendStatus = model.SendFailed
	m.LastError.String = lastError
	m.LastError.Valid = true
	r.messages[id] = m
	return true, nil
}

func (r *fakeMessagesRepo) SetLastError(_ context.Context, id, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if ok && m.SendStatus == model.SendPending {
		m.LastError.String = lastError
		m.LastError.Valid = true
		r.messages[id] = m
	}
	return nil
}

func (r *fakeMessagesRepo) IncrementRetry(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.SendStatus != model.SendPending {
		return false, nil
	}
	m.RetryCount++
	r.messages[id] = m
	return true, nil
}

func (r *fakeMessagesRepo) CasDeliveryStatus(_ context.Context, _ *sqlx.Tx, id string, from, to model.DeliveryStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeliveryStatus != from {
		return false, nil
	}
	m.DeliveryStatus = to
	r.messages[id] = m
	return true, nil
}

func (r *fakeMessagesRepo) ListPending(_ context.Context, campaignID string, _ int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.messages {
		if m.CampaignID == campaignID && m.SendStatus == model.SendPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeMessagesRepo) StatusBreakdown(_ context.Context, campaignID string) (model.CampaignStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st model.CampaignStats
	for _, m := range r.messages {
		if m.CampaignID != campaignID {
			continue
		}
		st.Total++
		switch m.SendStatus {
		case model.SendPending:
			st.Pending++
		case model.SendSent:
			st.Sent++
		}
		switch m.DeliveryStatus {
		case model.DeliveryDelivered:
			st.Delivered++
		case model.DeliveryRead:
			st.Read++
		}
		if m.SendStatus == model.SendFailed || m.DeliveryStatus == model.DeliveryFailed {
			st.Failed++
		}
	}
	return st, nil
}

type outboxEntry struct {
	aggregate   string
	aggregateID string
	topic       string
	payload     []byte
}

type fakeOutboxRepo struct {
	mu      sync.Mutex
	entries []outboxEntry
}

func (r *fakeOutboxRepo) Insert(_ context.Context, _ *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, outboxEntry{aggregate, aggregateID, topic, payload})
	return nil
}

type fakeQuota struct {
	remaining int
	deny      bool
	reserved  int
}

func (q *fakeQuota) Reserve(_ context.Context, _ int64, _ model.Channel, count int) (int, error) {
	if q.deny {
		return q.remaining, quota.ErrQuotaExceeded
	}
	q.reserved += count
	return q.remaining - q.reserved, nil
}

type fakeGroups struct {
	members map[string][]string
}

func (g *fakeGroups) Resolve(_ context.Context, id string) ([]string, error) {
	m, ok := g.members[id]
	if !ok {
		return nil, errors.New("group not found")
	}
	return m, nil
}

func newTestManager(q QuotaReserver, g GroupResolver) (*Manager, *fakeCampaignsRepo, *fakeMessagesRepo, *fakeOutboxRepo) {
	campaigns := newFakeCampaignsRepo()
	messages := newFakeMessagesRepo()
	outbox := &fakeOutboxRepo{}
	return NewManager(nil, campaigns, messages, outbox, q, g), campaigns, messages, outbox
}

// ---- tests ----

func TestCreateCampaignFansOutMessagesAndOutbox(t *testing.T) {
	mgr, campaigns, messages, outbox := newTestManager(&fakeQuota{remaining: 100}, nil)

	c, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:         7,
		SubscriptionID: 1,
		Recipients:     []string{"+989121234567", "+989121234568"},
		Channel:        model.ChannelSMS,
		Content:        "hello",
	})
	require.NoError(t, err)
	require.NotNil(t, c)

	stored, _ := campaigns.GetByID(context.Background(), c.ID)
	require.NotNil(t, stored)
	assert.Equal(t, model.BulkStatusQueued, stored.BulkStatus)
	assert.True(t, stored.InProcess)
	assert.Equal(t, 2, stored.Total)

	assert.Len(t, messages.messages, 2)
	require.Len(t, outbox.entries, 2)
	for _, e := range outbox.entries {
		assert.Equal(t, "message", e.aggregate)
		assert.Equal(t, c.ID, e.aggregateID, "outbox key is the campaign id")
		assert.Equal(t, SMSKafkaTopic, e.topic)

		var env model.Envelope
		require.NoError(t, json.Unmarshal(e.payload, &env))
		assert.Equal(t, c.ID, env.CampaignID)
		assert.Equal(t, 0, env.Attempt)
		assert.Equal(t, "hello", env.Content)
	}
}

func TestCreateCampaignWhatsAppLane(t *testing.T) {
	mgr, _, _, outbox := newTestManager(&fakeQuota{remaining: 100}, nil)

	_, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:     7,
		Recipients: []string{"+989121234567"},
		Channel:    model.ChannelWhatsApp,
		Content:    "hi",
	})
	require.NoError(t, err)
	require.Len(t, outbox.entries, 1)
	assert.Equal(t, WhatsAppKafkaTopic, outbox.entries[0].topic)
}

func TestCreateCampaignDeduplicatesRecipients(t *testing.T) {
	mgr, campaigns, messages, _ := newTestManager(&fakeQuota{remaining: 100}, &fakeGroups{
		members: map[string][]string{
			"g1": {"+989121234567", "09121234568"},
		},
	})

	// "+98 912 123 4567" and "09121234567" normalize to the group's first member
	c, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:     7,
		GroupID:    "g1",
		Recipients: []string{"+98 912 123 4567", "09121234567"},
		Channel:    model.ChannelSMS,
		Content:    "hello",
	})
	require.NoError(t, err)

	stored, _ := campaigns.GetByID(context.Background(), c.ID)
	assert.Equal(t, 2, stored.Total)
	assert.Len(t, messages.messages, 2)
}

func TestCreateCampaignQuotaRejected(t *testing.T) {
	mgr, campaigns, messages, outbox := newTestManager(&fakeQuota{remaining: 1, deny: true}, nil)

	c, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:     7,
		Recipients: []string{"+989121234567", "+989121234568"},
		Channel:    model.ChannelSMS,
		Content:    "hello",
	})
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	require.NotNil(t, c, "the rejected campaign is still returned")

	stored, _ := campaigns.GetByID(context.Background(), c.ID)
	require.NotNil(t, stored, "denied campaign persists terminally")
	assert.Equal(t, model.BulkStatusQuotaRejected, stored.BulkStatus)
	assert.True(t, stored.BulkStatus.Terminal())
	assert.Equal(t, 0, stored.Total)

	assert.Empty(t, messages.messages, "no messages for a rejected batch")
	assert.Empty(t, outbox.entries, "nothing enters the dispatch pipeline")
}

func TestCreateCampaignNoValidRecipients(t *testing.T) {
	mgr, _, _, _ := newTestManager(&fakeQuota{remaining: 100}, nil)

	_, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:     7,
		Recipients: []string{"garbage", ""},
		Channel:    model.ChannelSMS,
		Content:    "hello",
	})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestCreateCampaignGroupResolveFailure(t *testing.T) {
	mgr, _, _, _ := newTestManager(&fakeQuota{remaining: 100}, &fakeGroups{members: map[string][]string{}})

	_, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:  7,
		GroupID: "missing",
		Channel: model.ChannelSMS,
		Content: "hello",
	})
	assert.Error(t, err)
}

func TestCreateScheduledCampaignDefersDispatch(t *testing.T) {
	mgr, campaigns, messages, outbox := newTestManager(&fakeQuota{remaining: 100}, nil)

	at := time.Now().Add(time.Hour)
	c, err := mgr.CreateCampaign(context.Background(), CreateRequest{
		UserID:      7,
		Recipients:  []string{"+989121234567"},
		Channel:     model.ChannelSMS,
		Content:     "later",
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	stored, _ := campaigns.GetByID(context.Background(), c.ID)
	assert.False(t, stored.InProcess, "scheduled campaigns wait for StartDispatch")
	assert.Len(t, messages.messages, 1, "fan-out persists immediately")
	assert.Empty(t, outbox.entries, "nothing enters the pipeline before the due time")

	assert.ErrorIs(t, mgr.StartDispatch(context.Background(), c.ID), ErrNotDue)
}

func TestStartDispatchSingleFlight(t *testing.T) {
	mgr, campaigns, _, _ := newTestManager(&fakeQuota{remaining: 100}, nil)

	c := model.Campaign{ID: "c1", UserID: 7, Channel: model.ChannelSMS, BulkStatus: model.BulkStatusQueued, Total: 1}
	require.NoError(t, campaigns.Insert(context.Background(), nil, c))

	require.NoError(t, mgr.StartDispatch(context.Background(), "c1"))
	assert.ErrorIs(t, mgr.StartDispatch(context.Background(), "c1"), ErrDispatchInProgress)
}

func TestStartDispatchScheduledNotDue(t *testing.T) {
	mgr, campaigns, _, _ := newTestManager(&fakeQuota{remaining: 100}, nil)

	c := model.Campaign{ID: "c1", UserID: 7, Channel: model.ChannelSMS, BulkStatus: model.BulkStatusQueued}
	c.ScheduledAt.Time = time.Now().Add(time.Hour)
	c.ScheduledAt.Valid = true
	require.NoError(t, campaigns.Insert(context.Background(), nil, c))

	assert.ErrorIs(t, mgr.StartDispatch(context.Background(), "c1"), ErrNotDue)
}

func TestStartDispatchReenqueuesPending(t *testing.T) {
	mgr, campaigns, messages, outbox := newTestManager(&fakeQuota{remaining: 100}, nil)

	require.NoError(t, campaigns.Insert(context.Background(), nil, model.Campaign{
		ID: "c1", UserID: 7, Channel: model.ChannelSMS, BulkStatus: model.BulkStatusQueued, Total: 2,
	}))
	require.NoError(t, messages.BulkInsertPending(context.Background(), nil, []model.Message{
		{ID: "m1", CampaignID: "c1", UserID: 7, Recipient: "+989121234567", Content: "x", Channel: model.ChannelSMS},
		{ID: "m2", CampaignID: "c1", UserID: 7, Recipient: "+989121234568", Content: "x", Channel: model.ChannelSMS},
	}))
	// m2 already went out in a previous pass
	_, err := messages.MarkSent(context.Background(), nil, "m2", "prov-1")
	require.NoError(t, err)

	require.NoError(t, mgr.StartDispatch(context.Background(), "c1"))
	require.Len(t, outbox.entries, 1, "only the still-pending message is re-enqueued")

	var env model.Envelope
	require.NoError(t, json.Unmarshal(outbox.entries[0].payload, &env))
	assert.Equal(t, "m1", env.MessageID)
}

func TestCancelCampaign(t *testing.T) {
	mgr, campaigns, _, _ := newTestManager(&fakeQuota{remaining: 100}, nil)

	require.NoError(t, campaigns.Insert(context.Background(), nil, model.Campaign{
		ID: "c1", UserID: 7, BulkStatus: model.BulkStatusQueued,
	}))

	require.NoError(t, mgr.Cancel(context.Background(), "c1"))
	stored, _ := campaigns.GetByID(context.Background(), "c1")
	assert.Equal(t, model.BulkStatusCancelled, stored.BulkStatus)
	assert.False(t, stored.InProcess)

	// terminal campaigns cannot be cancelled again
	assert.ErrorIs(t, mgr.Cancel(context.Background(), "c1"), ErrAlreadyTerminal)
}

func TestCancelUnknownCampaign(t *testing.T) {
	mgr, _, _, _ := newTestManager(&fakeQuota{remaining: 100}, nil)
	assert.ErrorIs(t, mgr.Cancel(context.Background(), "nope"), ErrNotFound)
}

func TestFindByBulkIDNotFound(t *testing.T) {
	mgr, _, _, _ := newTestManager(&fakeQuota{remaining: 100}, nil)
	_, err := mgr.FindByBulkID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
