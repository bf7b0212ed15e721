package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/dispatcher"
	"github.com/mshirdel/campaign-core/internal/kafka"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakes embed the repository interfaces so only the methods the sender
// touches need implementations.

type fakeSource struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed int
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{ch: make(chan kafka.Message, buffer)}
}

func (s *fakeSource) push(t *testing.T, env model.Envelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	s.ch <- kafka.Message{Value: payload}
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(_ context.Context, _ kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed++
	return nil
}

func (s *fakeSource) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

type fakeSenderMessages struct {
	repository.MessagesRepository
	mu       sync.Mutex
	sent     map[string]string // message id -> provider msg id
	failed   map[string]string
	lastErrs map[string]string
}

func newFakeSenderMessages() *fakeSenderMessages {
	return &fakeSenderMessages{
		sent:     map[string]string{},
		failed:   map[string]string{},
		lastErrs: map[string]string{},
	}
}

func (r *fakeSenderMessages) MarkSent(_ context.Context, _ *sqlx.Tx, id, providerMsgID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sent[id]; dup {
		return false, nil
	}
	if _, dup := r.failed[id]; dup {
		return false, nil
	}
	r.sent[id] = providerMsgID
	return true, nil
}

func (r *fakeSenderMessages) MarkFailed(_ context.Context, _ *sqlx.Tx, id, lastError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sent[id]; dup {
		return false, nil
	}
	if _, dup := r.failed[id]; dup {
		return false, nil
	}
	r.failed[id] = lastError
	return true, nil
}

func (r *fakeSenderMessages) SetLastError(_ context.Context, id, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErrs[id] = lastError
	return nil
}

func (r *fakeSenderMessages) sentID(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sent[id]
	return v, ok
}

type fakeSenderRetries struct {
	repository.RetriesRepository
	mu        sync.Mutex
	inserted  map[string][]int
	completed map[string]model.AttemptStatus
}

func newFakeSenderRetries() *fakeSenderRetries {
	return &fakeSenderRetries{inserted: map[string][]int{}, completed: map[string]model.AttemptStatus{}}
}

func (r *fakeSenderRetries) Insert(_ context.Context, _ *sqlx.Tx, messageID string, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted[messageID] = append(r.inserted[messageID], attempt)
	return nil
}

func (r *fakeSenderRetries) Complete(_ context.Context, messageID string, _ int, status model.AttemptStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[messageID] = status
	return nil
}

type fakeSenderCampaigns struct {
	repository.CampaignsRepository
	mu        sync.Mutex
	campaigns map[string]model.Campaign
	sent      map[string]int
	failed    map[string]int
	completed map[string]int
}

func newFakeSenderCampaigns() *fakeSenderCampaigns {
	return &fakeSenderCampaigns{
		campaigns: map[string]model.Campaign{},
		sent:      map[string]int{},
		failed:    map[string]int{},
		completed: map[string]int{},
	}
}

func (r *fakeSenderCampaigns) put(c model.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

func (r *fakeSenderCampaigns) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *fakeSenderCampaigns) AddSendCounters(_ context.Context, _ *sqlx.Tx, id string, sent, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[id] += sent
	r.failed[id] += failed
	return nil
}

func (r *fakeSenderCampaigns) CompleteIfDone(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[id]++
	return false, nil
}

func (r *fakeSenderCampaigns) sentCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[id]
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]string // message id -> last error
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{scheduled: map[string]string{}} }

func (s *fakeScheduler) Schedule(_ context.Context, messageID string, _ int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[messageID] = lastError
	return nil
}

func (s *fakeScheduler) got(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.scheduled[id]
	return v, ok
}

// fakeProvider answers every send with a fixed result.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	id    string
	err   error
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Ready() bool   { return true }
func (p *fakeProvider) Acquire() bool { return true }

func (p *fakeProvider) Send(_ context.Context, _ model.Channel, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.id, p.err
}

func (p *fakeProvider) sends() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type senderHarness struct {
	sender    *Sender
	source    *fakeSource
	messages  *fakeSenderMessages
	retries   *fakeSenderRetries
	campaigns *fakeSenderCampaigns
	sched     *fakeScheduler
	provider  *fakeProvider
}

func newSenderHarness(provider *fakeProvider) *senderHarness {
	source := newFakeSource(256)
	messages := newFakeSenderMessages()
	retries := newFakeSenderRetries()
	campaigns := newFakeSenderCampaigns()
	sched := newFakeScheduler()

	s := NewSender(nil, source, messages, retries, campaigns,
		dispatcher.NewDispatcher([]dispatcher.Provider{provider}),
		sched, model.ChannelSMS, nil)
	s.Workers = 4
	s.BatchSize = 8
	s.BatchWait = 10 * time.Millisecond

	return &senderHarness{
		sender:    s,
		source:    source,
		messages:  messages,
		retries:   retries,
		campaigns: campaigns,
		sched:     sched,
		provider:  provider,
	}
}

func runSender(t *testing.T, s *Sender) (cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return cancel, done
}

func waitStopped(t *testing.T, cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("sender did not stop")
	}
}

func testEnvelope(messageID string) model.Envelope {
	return model.Envelope{
		MessageID:  messageID,
		CampaignID: "c1",
		UserID:     7,
		Recipient:  "+989121234567",
		Content:    "hello",
		Channel:    model.ChannelSMS,
		Attempt:    0,
	}
}

func TestSenderMarksSentAndCommits(t *testing.T) {
	h := newSenderHarness(&fakeProvider{id: "prov-1"})
	h.campaigns.put(model.Campaign{ID: "c1", BulkStatus: model.BulkStatusQueued, InProcess: true})

	cancel, done := runSender(t, h.sender)
	defer waitStopped(t, cancel, done)

	h.source.push(t, testEnvelope("m1"))

	assert.Eventually(t, func() bool {
		id, ok := h.messages.sentID("m1")
		return ok && id == "prov-1"
	}, 2*time.Second, 10*time.Millisecond, "message reaches SENT with the provider id")

	assert.Eventually(t, func() bool {
		return h.campaigns.sentCount("c1") == 1
	}, 2*time.Second, 10*time.Millisecond, "campaign sent counter moves with the flush")

	assert.Eventually(t, func() bool {
		return h.source.commits() == 1
	}, 2*time.Second, 10*time.Millisecond, "offset is committed after the hand-off")
}

func TestSenderSkipsStoppedCampaign(t *testing.T) {
	h := newSenderHarness(&fakeProvider{id: "prov-1"})
	h.campaigns.put(model.Campaign{ID: "c1", BulkStatus: model.BulkStatusCancelled, InProcess: false})

	cancel, done := runSender(t, h.sender)
	defer waitStopped(t, cancel, done)

	h.source.push(t, testEnvelope("m1"))

	assert.Eventually(t, func() bool {
		return h.source.commits() == 1
	}, 2*time.Second, 10*time.Millisecond, "the skipped message is still committed")
	assert.Zero(t, h.provider.sends(), "a stopped campaign's message never hits a provider")
	_, sent := h.messages.sentID("m1")
	assert.False(t, sent)
}

func TestSenderTransientFailureGoesToScheduler(t *testing.T) {
	h := newSenderHarness(&fakeProvider{err: &dispatcher.SendError{
		Provider: "fake", Transient: true, Err: errors.New("timeout"),
	}})
	h.campaigns.put(model.Campaign{ID: "c1", BulkStatus: model.BulkStatusQueued, InProcess: true})

	cancel, done := runSender(t, h.sender)
	defer waitStopped(t, cancel, done)

	h.source.push(t, testEnvelope("m1"))

	assert.Eventually(t, func() bool {
		_, ok := h.sched.got("m1")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "transient failure lands in the retry scheduler")

	_, sent := h.messages.sentID("m1")
	assert.False(t, sent, "a transient failure leaves the message pending")
	assert.Zero(t, h.campaigns.sentCount("c1"))
}

func TestSenderPermanentFailureMarksFailed(t *testing.T) {
	h := newSenderHarness(&fakeProvider{err: &dispatcher.SendError{
		Provider: "fake", Transient: false, Err: errors.New("invalid recipient"),
	}})
	h.campaigns.put(model.Campaign{ID: "c1", BulkStatus: model.BulkStatusQueued, InProcess: true})

	cancel, done := runSender(t, h.sender)
	defer waitStopped(t, cancel, done)

	h.source.push(t, testEnvelope("m1"))

	assert.Eventually(t, func() bool {
		h.messages.mu.Lock()
		defer h.messages.mu.Unlock()
		_, ok := h.messages.failed["m1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "permanent failure terminally fails the message")

	assert.Eventually(t, func() bool {
		h.campaigns.mu.Lock()
		defer h.campaigns.mu.Unlock()
		return h.campaigns.failed["c1"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := h.sched.got("m1")
	assert.False(t, ok, "permanent failures bypass the scheduler")
}

// A cancellation arriving while processors are still handing results to the
// batch writer must drain cleanly instead of panicking on a closed channel.
func TestSenderShutdownDrainsInFlightResults(t *testing.T) {
	h := newSenderHarness(&fakeProvider{id: "prov-1"})
	h.campaigns.put(model.Campaign{ID: "c1", BulkStatus: model.BulkStatusQueued, InProcess: true})

	// a tiny batch window keeps the writer busy while messages stream in
	h.sender.Workers = 8
	h.sender.BatchWait = time.Millisecond

	cancel, done := runSender(t, h.sender)

	for i := 0; i < 200; i++ {
		h.source.push(t, testEnvelope("m"+strconv.Itoa(i)))
	}

	// cancel mid-stream, with processors still in flight
	time.Sleep(5 * time.Millisecond)
	waitStopped(t, cancel, done)
}
