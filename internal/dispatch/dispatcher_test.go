package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storelinehq/courier/internal/db"
)

type mockStore struct {
	mu sync.Mutex

	pending  []*db.Message
	claimErr error
	countErr error

	recipientSent map[string]int
	tenantSent    map[uuid.UUID]int

	sending      []uuid.UUID
	sent         map[uuid.UUID]time.Time
	failed       map[uuid.UUID]string
	cancelled    map[uuid.UUID]string
	released     []uuid.UUID
	increments   map[uuid.UUID]int
	incrementErr error
	markSendErr  error
	markSentErr  error
}

func newMockStore(pending ...*db.Message) *mockStore {
	return &mockStore{
		pending:       pending,
		recipientSent: make(map[string]int),
		tenantSent:    make(map[uuid.UUID]int),
		sent:          make(map[uuid.UUID]time.Time),
		failed:        make(map[uuid.UUID]string),
		cancelled:     make(map[uuid.UUID]string),
		increments:    make(map[uuid.UUID]int),
	}
}

func (m *mockStore) ClaimPending(ctx context.Context, runID uuid.UUID, limit int, lease time.Duration) ([]*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if len(m.pending) > limit {
		claimed := m.pending[:limit]
		m.pending = m.pending[limit:]
		return claimed, nil
	}
	claimed := m.pending
	m.pending = nil
	return claimed, nil
}

func (m *mockStore) CountSentForRecipient(ctx context.Context, tenantID uuid.UUID, recipient string, since time.Time) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.recipientSent[recipient], nil
}

func (m *mockStore) CountSentForTenant(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.tenantSent[tenantID], nil
}

func (m *mockStore) MarkSending(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markSendErr != nil {
		return m.markSendErr
	}
	m.sending = append(m.sending, id)
	return nil
}

func (m *mockStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markSentErr != nil {
		return m.markSentErr
	}
	m.sent[id] = sentAt
	return nil
}

func (m *mockStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = errMsg
	return nil
}

func (m *mockStore) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[id] = reason
	return nil
}

func (m *mockStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, id)
	return nil
}

func (m *mockStore) IncrementCampaignSent(ctx context.Context, campaignID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return m.incrementErr
	}
	m.increments[campaignID]++
	return nil
}

type mockTransport struct {
	mu       sync.Mutex
	payloads []Payload
	failFor  map[string]error
}

func newMockTransport() *mockTransport {
	return &mockTransport{failFor: make(map[string]error)}
}

func (m *mockTransport) Send(ctx context.Context, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, p)
	if err, ok := m.failFor[p.Recipient]; ok {
		return err
	}
	return nil
}

func testDispatcher(store *mockStore, transport *mockTransport, cfg Config) (*Dispatcher, *[]time.Duration) {
	d := New(store, transport, cfg, zap.NewNop())

	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	var sleeps []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}

	return d, &sleeps
}

func makeMessage(priority int, kind string) *db.Message {
	return &db.Message{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		Recipient: "+15550000001",
		Body:      "hello",
		Priority:  priority,
		Kind:      kind,
		Status:    db.StatusPending,
		CreatedAt: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func intPtr(v int) *int { return &v }

func TestRunTick_EmptyQueue(t *testing.T) {
	store := newMockStore()
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Total != 0 || summary.Processed != 0 {
		t.Errorf("expected empty summary, got %+v", summary)
	}
}

func TestRunTick_SuccessBookkeeping(t *testing.T) {
	campaignID := uuid.New()
	identity := "STORELINE"
	msg := makeMessage(8, db.KindCampaign)
	msg.CampaignID = &campaignID
	msg.SenderIdentity = &identity

	store := newMockStore(msg)
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if summary.Processed != 1 || summary.Total != 1 {
		t.Errorf("expected processed=1 total=1, got %+v", summary)
	}
	if len(store.sending) != 1 || store.sending[0] != msg.ID {
		t.Errorf("message should have been marked sending")
	}
	if _, ok := store.sent[msg.ID]; !ok {
		t.Errorf("message should have been marked sent")
	}
	if store.increments[campaignID] != 1 {
		t.Errorf("expected campaign counter incremented exactly once, got %d", store.increments[campaignID])
	}
	if len(transport.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(transport.payloads))
	}
	p := transport.payloads[0]
	if p.Campaign == nil || p.Campaign.CampaignID != campaignID || p.Campaign.SenderIdentity != identity {
		t.Errorf("campaign payload missing attribution: %+v", p)
	}
}

func TestRunTick_FailureIsolatedToItem(t *testing.T) {
	bad := makeMessage(2, db.KindTransactional)
	bad.Recipient = "+15550000002"
	good := makeMessage(5, db.KindNotification)

	store := newMockStore(bad, good)
	transport := newMockTransport()
	transport.failFor[bad.Recipient] = errors.New("gateway timeout")
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if summary.Failed != 1 || summary.Processed != 1 || summary.Total != 2 {
		t.Errorf("expected failed=1 processed=1 total=2, got %+v", summary)
	}
	if store.failed[bad.ID] != "gateway timeout" {
		t.Errorf("expected failure recorded with error text, got %q", store.failed[bad.ID])
	}
	if _, ok := store.sent[good.ID]; !ok {
		t.Errorf("second message should still have been sent")
	}
}

func TestRunTick_RecipientCapCancels(t *testing.T) {
	msg := makeMessage(1, db.KindNotification)
	msg.MaxPerRecipientPerDay = intPtr(2)

	store := newMockStore(msg)
	store.recipientSent[msg.Recipient] = 2
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if summary.Skipped != 1 || summary.Processed != 0 {
		t.Errorf("expected skipped=1 processed=0, got %+v", summary)
	}
	if _, ok := store.cancelled[msg.ID]; !ok {
		t.Errorf("capped message should be cancelled, not deferred")
	}
	if len(transport.payloads) != 0 {
		t.Errorf("capped message must never reach the transport")
	}
}

func TestRunTick_RecipientCapUnderLimitSkipsTenantCheck(t *testing.T) {
	// Quota rules evaluate recipient cap first; when it is configured
	// and under the limit, the tenant cap is not consulted.
	msg := makeMessage(3, db.KindNotification)
	msg.MaxPerRecipientPerDay = intPtr(5)
	msg.MaxPerTenantPerDay = intPtr(1)

	store := newMockStore(msg)
	store.recipientSent[msg.Recipient] = 1
	store.tenantSent[msg.TenantID] = 10 // would block if consulted
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("expected message dispatched, got %+v", summary)
	}
}

func TestRunTick_TenantCapDefers(t *testing.T) {
	msg := makeMessage(4, db.KindNotification)
	msg.MaxPerTenantPerDay = intPtr(10)

	store := newMockStore(msg)
	store.tenantSent[msg.TenantID] = 10
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if summary.Skipped != 1 || summary.Processed != 0 {
		t.Errorf("expected skipped=1, got %+v", summary)
	}
	if _, ok := store.cancelled[msg.ID]; ok {
		t.Errorf("tenant-capped message must not be cancelled")
	}
	if len(store.released) != 1 || store.released[0] != msg.ID {
		t.Errorf("tenant-capped message should have its claim released")
	}
	if len(transport.payloads) != 0 {
		t.Errorf("deferred message must not be dispatched this tick")
	}
}

func TestRunTick_TenantCapWholeBatchDeferred(t *testing.T) {
	// Tenant cap of 2 already exhausted; three messages of different
	// priorities all stay pending.
	tenantID := uuid.New()
	var msgs []*db.Message
	for _, prio := range []int{1, 5, 9} {
		m := makeMessage(prio, db.KindNotification)
		m.TenantID = tenantID
		m.MaxPerTenantPerDay = intPtr(2)
		msgs = append(msgs, m)
	}

	store := newMockStore(msgs...)
	store.tenantSent[tenantID] = 2
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if summary.Processed != 0 || summary.Skipped != 3 || summary.Total != 3 {
		t.Errorf("expected processed=0 skipped=3, got %+v", summary)
	}
	if len(transport.payloads) != 0 {
		t.Errorf("no message should have been dispatched")
	}
	if len(store.cancelled) != 0 {
		t.Errorf("no message should have been cancelled")
	}
	if len(store.released) != 3 {
		t.Errorf("all three claims should have been released, got %d", len(store.released))
	}
}

func TestRunTick_PacingDelayBetweenItems(t *testing.T) {
	first := makeMessage(2, db.KindCampaign)
	campaignID := uuid.New()
	first.CampaignID = &campaignID
	first.IntervalSeconds = 5
	second := makeMessage(2, db.KindNotification)

	store := newMockStore(first, second)
	transport := newMockTransport()
	d, sleeps := testDispatcher(store, transport, Config{})

	if _, err := d.RunTick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(*sleeps) != 1 {
		t.Fatalf("expected exactly one pacing delay, got %d", len(*sleeps))
	}
	if (*sleeps)[0] != 5*time.Second {
		t.Errorf("expected 5s pacing delay, got %s", (*sleeps)[0])
	}
}

func TestRunTick_NoPacingAfterLastItem(t *testing.T) {
	only := makeMessage(2, db.KindNotification)
	only.IntervalSeconds = 5

	store := newMockStore(only)
	transport := newMockTransport()
	d, sleeps := testDispatcher(store, transport, Config{})

	if _, err := d.RunTick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(*sleeps) != 0 {
		t.Errorf("no pacing delay expected after the final item, got %d", len(*sleeps))
	}
}

func TestRunTick_NoPacingAfterFailure(t *testing.T) {
	bad := makeMessage(2, db.KindNotification)
	bad.IntervalSeconds = 5
	bad.Recipient = "+15550000002"
	good := makeMessage(5, db.KindNotification)

	store := newMockStore(bad, good)
	transport := newMockTransport()
	transport.failFor[bad.Recipient] = errors.New("boom")
	d, sleeps := testDispatcher(store, transport, Config{})

	if _, err := d.RunTick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(*sleeps) != 0 {
		t.Errorf("pacing applies only after successful dispatch, got %d sleeps", len(*sleeps))
	}
}

func TestRunTick_ClaimErrorAbortsTick(t *testing.T) {
	store := newMockStore()
	store.claimErr = errors.New("connection refused")
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	_, err := d.RunTick(context.Background())
	if err == nil {
		t.Fatal("expected error when claim fails")
	}
}

func TestRunTick_QuotaReadErrorAbortsTick(t *testing.T) {
	msg := makeMessage(2, db.KindNotification)
	msg.MaxPerRecipientPerDay = intPtr(5)

	store := newMockStore(msg)
	store.countErr = errors.New("connection refused")
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	_, err := d.RunTick(context.Background())
	if err == nil {
		t.Fatal("expected error when quota read fails")
	}
	if len(transport.payloads) != 0 {
		t.Errorf("nothing should be dispatched after a store failure")
	}
}

func TestRunTick_CancelDuringPacingStopsBatch(t *testing.T) {
	first := makeMessage(2, db.KindNotification)
	first.IntervalSeconds = 5
	second := makeMessage(5, db.KindNotification)

	store := newMockStore(first, second)
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		return context.Canceled
	}

	summary, err := d.RunTick(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("first message should have completed, got %+v", summary)
	}
	if len(transport.payloads) != 1 {
		t.Errorf("second message must stay untouched after interruption, got %d sends", len(transport.payloads))
	}
}

func TestRunTick_CampaignIncrementFailureNonFatal(t *testing.T) {
	campaignID := uuid.New()
	msg := makeMessage(7, db.KindCampaign)
	msg.CampaignID = &campaignID

	store := newMockStore(msg)
	store.incrementErr = errors.New("campaigns table locked")
	transport := newMockTransport()
	d, _ := testDispatcher(store, transport, Config{})

	summary, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("increment failure must not affect the message outcome, got %+v", summary)
	}
	if _, ok := store.sent[msg.ID]; !ok {
		t.Errorf("message must remain sent despite increment failure")
	}
}

func TestDayStart_DefaultOffset(t *testing.T) {
	store := newMockStore()
	d, _ := testDispatcher(store, newMockTransport(), Config{})
	// now is fixed at 2026-08-30T12:00Z; UTC-3 local day starts at
	// 2026-08-30T00:00-03:00 == 2026-08-30T03:00Z.
	got := d.dayStart(uuid.New()).UTC()
	want := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected day start %s, got %s", want, got)
	}
}

func TestDayStart_TenantOverride(t *testing.T) {
	tenantID := uuid.New()
	store := newMockStore()
	d, _ := testDispatcher(store, newMockTransport(), Config{
		TenantDayOffsets: map[uuid.UUID]time.Duration{tenantID: 2 * time.Hour},
	})
	// UTC+2 local day starts at 2026-08-30T00:00+02:00 == 2026-08-29T22:00Z.
	got := d.dayStart(tenantID).UTC()
	want := time.Date(2026, 8, 29, 22, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected day start %s, got %s", want, got)
	}
}

func TestRunTick_ConcurrentTicksNeverShareMessages(t *testing.T) {
	var msgs []*db.Message
	for i := 0; i < 40; i++ {
		msgs = append(msgs, makeMessage(5, db.KindNotification))
	}
	store := newMockStore(msgs...)
	transport := newMockTransport()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := testDispatcher(store, transport, Config{BatchSize: 10})
			if _, err := d.RunTick(context.Background()); err != nil {
				t.Errorf("tick failed: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]bool)
	for _, id := range store.sending {
		if seen[id] {
			t.Errorf("message %s dispatched more than once", id)
		}
		seen[id] = true
	}
	if len(store.sending) != 40 {
		t.Errorf("expected all 40 messages dispatched exactly once, got %d", len(store.sending))
	}
	if len(transport.payloads) != 40 {
		t.Errorf("expected 40 sends, got %d", len(transport.payloads))
	}
}
