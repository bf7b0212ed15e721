package dlr

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiptKey struct{ pid, code string }

type fakeReceipts struct {
	mu       sync.Mutex
	rows     map[receiptKey]model.DeliveryReceipt
	resolved map[receiptKey]bool
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{rows: map[receiptKey]model.DeliveryReceipt{}, resolved: map[receiptKey]bool{}}
}

func (r *fakeReceipts) InsertDedup(_ context.Context, rc model.DeliveryReceipt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := receiptKey{rc.ProviderMsgID, rc.StatusCode}
	if _, dup := r.rows[k]; dup {
		return false, nil
	}
	r.rows[k] = rc
	return true, nil
}

func (r *fakeReceipts) MarkProcessed(_ context.Context, pid, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved[receiptKey{pid, code}] = true
	return nil
}

func (r *fakeReceipts) ListUnprocessedBefore(_ context.Context, cutoff time.Time, _ int) ([]model.DeliveryReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.DeliveryReceipt
	for k, rc := range r.rows {
		if !r.resolved[k] && rc.ReceivedAt.Before(cutoff) {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (r *fakeReceipts) processed(pid, code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[receiptKey{pid, code}]
}

type fakeMessages struct {
	repository.MessagesRepository
	mu       sync.Mutex
	messages map[string]model.Message
}

func newFakeMessages() *fakeMessages { return &fakeMessages{messages: map[string]model.Message{}} }

func (r *fakeMessages) put(m model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.ID] = m
}

func (r *fakeMessages) get(id string) model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[id]
}

func (r *fakeMessages) GetByID(_ context.Context, id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *fakeMessages) GetByProviderMsgID(_ context.Context, pid string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ProviderMsgID.Valid && m.ProviderMsgID.String == pid {
			return &m, nil
		}
	}
	return nil, nil
}

func (r *fakeMessages) CasDeliveryStatus(_ context.Context, _ *sqlx.Tx, id string, from, to model.DeliveryStatus) (bool, error) {
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

type fakeCampaigns struct {
	repository.CampaignsRepository
	mu          sync.Mutex
	delivered   map[string]int
	read        map[string]int
	undelivered map[string]int
	sendFailed  map[string]int
}

func newFakeCampaigns() *fakeCampaigns {
	return &fakeCampaigns{
		delivered:   map[string]int{},
		read:        map[string]int{},
		undelivered: map[string]int{},
		sendFailed:  map[string]int{},
	}
}

func (r *fakeCampaigns) AddDeliveryCounters(_ context.Context, _ *sqlx.Tx, id string, delivered, read, undelivered int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[id] += delivered
	r.read[id] += read
	r.undelivered[id] += undelivered
	return nil
}

func (r *fakeCampaigns) AddSendCounters(_ context.Context, _ *sqlx.Tx, id string, _, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendFailed[id] += failed
	return nil
}

func sentMessage(id, pid string) model.Message {
	return model.Message{
		ID:             id,
		CampaignID:     "c1",
		ProviderMsgID:  sql.NullString{String: pid, Valid: true},
		SendStatus:     model.SendSent,
		DeliveryStatus: model.DeliveryPending,
	}
}

func newTestProcessor() (*Processor, *fakeReceipts, *fakeMessages, *fakeCampaigns) {
	receipts := newFakeReceipts()
	messages := newFakeMessages()
	campaigns := newFakeCampaigns()
	return NewProcessor(receipts, messages, campaigns, nil), receipts, messages, campaigns
}

// ---- tests ----

func TestMapStatusCode(t *testing.T) {
	tests := []struct {
		code string
		want model.DeliveryStatus
	}{
		{"DELIVRD", model.DeliveryDelivered},
		{"delivered", model.DeliveryDelivered},
		{"READ", model.DeliveryRead},
		{"UNDELIV", model.DeliveryFailed},
		{"FAILED", model.DeliveryFailed},
		{"REJECTD", model.DeliveryFailed},
		{"EXPIRED", model.DeliveryFailed},
		{"ENROUTE", model.DeliveryPending},
		{"ACCEPTD", model.DeliveryPending},
		{"QUEUED", model.DeliveryPending},
		{"SOMETHING_ELSE", model.DeliveryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapStatusCode(tt.code), "code %q", tt.code)
	}
}

func TestIngestAppliesDeliveredAndBumpsCampaign(t *testing.T) {
	p, receipts, messages, campaigns := newTestProcessor()
	messages.put(sentMessage("m1", "prov-1"))

	err := p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "DELIVRD", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryDelivered, messages.get("m1").DeliveryStatus)
	assert.Equal(t, 1, campaigns.delivered["c1"])
	assert.True(t, receipts.processed("prov-1", "DELIVRD"))
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	p, _, messages, campaigns := newTestProcessor()
	messages.put(sentMessage("m1", "prov-1"))

	rc := model.DeliveryReceipt{ProviderMsgID: "prov-1", StatusCode: "DELIVRD", ReceivedAt: time.Now()}
	require.NoError(t, p.Ingest(context.Background(), rc))
	require.NoError(t, p.Ingest(context.Background(), rc))
	require.NoError(t, p.Ingest(context.Background(), rc))

	assert.Equal(t, 1, campaigns.delivered["c1"], "replays never move the counter twice")
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	p, _, messages, campaigns := newTestProcessor()
	messages.put(sentMessage("m1", "prov-1"))

	rc := model.DeliveryReceipt{ProviderMsgID: "prov-1", StatusCode: "DELIVRD", ReceivedAt: time.Now()}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Ingest(context.Background(), rc)
		}()
	}
	wg.Wait()

	assert.Equal(t, model.DeliveryDelivered, messages.get("m1").DeliveryStatus)
	assert.Equal(t, 1, campaigns.delivered["c1"])
}

func TestIngestOutOfOrderRejected(t *testing.T) {
	p, _, messages, campaigns := newTestProcessor()
	messages.put(sentMessage("m1", "prov-1"))

	// read arrives before delivered
	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "READ", ReceivedAt: time.Now(),
	}))
	assert.Equal(t, model.DeliveryRead, messages.get("m1").DeliveryStatus)

	// the late delivered must not regress read
	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "DELIVRD", ReceivedAt: time.Now(),
	}))
	assert.Equal(t, model.DeliveryRead, messages.get("m1").DeliveryStatus)
	assert.Equal(t, 0, campaigns.delivered["c1"], "stale transition moves no counter")
	assert.Equal(t, 1, campaigns.read["c1"])
}

func TestIngestReadAfterDelivered(t *testing.T) {
	p, _, messages, campaigns := newTestProcessor()
	messages.put(sentMessage("m1", "prov-1"))

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "DELIVRD", ReceivedAt: time.Now(),
	}))
	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "READ", ReceivedAt: time.Now(),
	}))

	assert.Equal(t, model.DeliveryRead, messages.get("m1").DeliveryStatus)
	assert.Equal(t, 1, campaigns.delivered["c1"])
	assert.Equal(t, 1, campaigns.read["c1"])
}

func TestIngestFailedReceiptBumpsUndelivered(t *testing.T) {
	p, _, messages, campaigns := newTestProcessor()
	messages.put(sentMessage("m1", "prov-1"))

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "UNDELIV", ReceivedAt: time.Now(),
	}))
	assert.Equal(t, model.DeliveryFailed, messages.get("m1").DeliveryStatus)
	assert.Equal(t, 1, campaigns.undelivered["c1"])
}

func TestIngestDeliveryFailureKeepsSendAccounting(t *testing.T) {
	p, _, messages, campaigns := newTestProcessor()

	// the message was sent and already counted in the campaign's sent
	// column; its UNDELIV receipt must not add it to the send-side failed
	// counter a second time, or sent + failed overshoots total and completes
	// the campaign while other messages are still pending
	messages.put(sentMessage("m1", "prov-1"))

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-1", StatusCode: "UNDELIV", ReceivedAt: time.Now(),
	}))

	assert.Equal(t, 1, campaigns.undelivered["c1"])
	assert.Zero(t, campaigns.sendFailed["c1"], "receipt outcomes never touch the completion counters")
}

func TestIngestUnknownTargetLeftForSweep(t *testing.T) {
	p, receipts, _, _ := newTestProcessor()

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "never-sent", StatusCode: "DELIVRD", ReceivedAt: time.Now(),
	}))
	assert.False(t, receipts.processed("never-sent", "DELIVRD"),
		"unresolved receipts stay unprocessed for the backlog sweep")
}

func TestIngestMalformedReceiptDiscarded(t *testing.T) {
	p, receipts, _, _ := newTestProcessor()

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{ProviderMsgID: "", StatusCode: "DELIVRD"}))
	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{ProviderMsgID: "x", StatusCode: ""}))
	assert.Empty(t, receipts.rows)
}

func TestSweepBacklogResolvesLateMessages(t *testing.T) {
	p, receipts, messages, campaigns := newTestProcessor()

	// receipt lands before its message is visible locally
	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "prov-late", StatusCode: "DELIVRD", ReceivedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.False(t, receipts.processed("prov-late", "DELIVRD"))

	// message shows up afterwards; the sweep resolves the receipt
	messages.put(sentMessage("m1", "prov-late"))

	handled, err := p.SweepBacklog(context.Background(), 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, model.DeliveryDelivered, messages.get("m1").DeliveryStatus)
	assert.Equal(t, 1, campaigns.delivered["c1"])
	assert.True(t, receipts.processed("prov-late", "DELIVRD"))
}

func TestSweepBacklogDiscardsUnresolvable(t *testing.T) {
	p, receipts, _, _ := newTestProcessor()

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "ghost", StatusCode: "DELIVRD", ReceivedAt: time.Now().Add(-48 * time.Hour),
	}))

	handled, err := p.SweepBacklog(context.Background(), 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.True(t, receipts.processed("ghost", "DELIVRD"), "still-unknown receipts are discarded, not retried forever")

	// nothing left for the next sweep
	handled, err = p.SweepBacklog(context.Background(), 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, handled)
}

func TestSweepBacklogHonorsCutoff(t *testing.T) {
	p, receipts, _, _ := newTestProcessor()

	require.NoError(t, p.Ingest(context.Background(), model.DeliveryReceipt{
		ProviderMsgID: "fresh", StatusCode: "DELIVRD", ReceivedAt: time.Now(),
	}))

	handled, err := p.SweepBacklog(context.Background(), 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, handled, "receipts younger than the cutoff are not swept")
	assert.False(t, receipts.processed("fresh", "DELIVRD"))
}
