package processor_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/db/dbtest"
	"github.com/lalithlochan/outreach/internal/processor"
	"github.com/lalithlochan/outreach/internal/provider"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubProvider struct {
	mu    sync.Mutex
	send  func(ctx context.Context, msg *provider.Message) provider.Result
	calls []*provider.Message
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Send(ctx context.Context, msg *provider.Message) provider.Result {
	p.mu.Lock()
	p.calls = append(p.calls, msg)
	n := len(p.calls)
	p.mu.Unlock()

	if p.send != nil {
		return p.send(ctx, msg)
	}
	return provider.Result{Success: true, Provider: "stub", MessageID: fmt.Sprintf("msg-%d", n)}
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func failing(msg string) *stubProvider {
	return &stubProvider{send: func(context.Context, *provider.Message) provider.Result {
		return provider.Result{Provider: "stub", Error: msg}
	}}
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []*db.TrackingEvent
}

func (s *sinkRecorder) Publish(ctx context.Context, ev *db.TrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// flakyStore fails the first n CompleteSend calls with a transient error.
type flakyStore struct {
	*dbtest.Store
	failures int
	attempts int
}

func (s *flakyStore) CompleteSend(ctx context.Context, e *db.QueuedEmail, out db.SendOutcome) (*db.TrackingEvent, error) {
	s.attempts++
	if s.attempts <= s.failures {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.CompleteSend(ctx, e, out)
}

func seedCampaign(t *testing.T, store *dbtest.Store) *db.Campaign {
	t.Helper()
	c := &db.Campaign{
		Name:          "spring outreach",
		Status:        db.CampaignScheduled,
		SenderEmail:   "sales@example.com",
		EmailProvider: provider.KindLog,
		SendRateLimit: 100,
	}
	if err := store.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c
}

func seedEmail(store *dbtest.Store, campaignID int64, to string, scheduledAt time.Time, mutate ...func(*db.QueuedEmail)) *db.QueuedEmail {
	e := &db.QueuedEmail{
		CampaignID:     campaignID,
		LeadID:         7,
		RecipientEmail: to,
		SenderEmail:    "sales@example.com",
		ReplyTo:        "replies@example.com",
		Subject:        "Hello",
		BodyText:       "Hi there",
		ScheduledAt:    scheduledAt,
		Status:         db.StatusPending,
		EmailType:      db.EmailInitial,
		MaxRetries:     db.DefaultMaxRetries,
		Attachments:    []db.Attachment{{Path: "/tmp/deck.pdf", Filename: "deck.pdf"}},
	}
	for _, m := range mutate {
		m(e)
	}
	return store.InsertEmail(e)
}

func newProcessor(store processor.Store, p provider.Provider, cfg processor.Config, opts ...processor.Option) *processor.Processor {
	opts = append([]processor.Option{processor.WithClock(func() time.Time { return epoch })}, opts...)
	return processor.New(store, p, cfg, zap.NewNop(), opts...)
}

func statuses(store *dbtest.Store) map[string]int {
	out := make(map[string]int)
	for _, e := range store.Emails() {
		out[e.Status]++
	}
	return out
}

func expectStatuses(t *testing.T, store *dbtest.Store, want map[string]int) {
	t.Helper()
	if got := statuses(store); !maps.Equal(got, want) {
		t.Errorf("statuses: got %v, want %v", got, want)
	}
}

func mustEmail(t *testing.T, store *dbtest.Store, id int64) *db.QueuedEmail {
	t.Helper()
	e, err := store.GetEmail(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEmail(%d): %v", id, err)
	}
	return e
}

func mustCampaign(t *testing.T, store *dbtest.Store, id int64) *db.Campaign {
	t.Helper()
	c, err := store.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCampaign(%d): %v", id, err)
	}
	return c
}

func TestProcessBatch_SendsDueEmails(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		seedEmail(store, c.ID, to, epoch.Add(-time.Minute))
	}
	future := seedEmail(store, c.ID, "later@example.com", epoch.Add(time.Hour))

	stub := &stubProvider{}
	sink := &sinkRecorder{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 100}, processor.WithEventSink(sink))

	sent, win, err := proc.ProcessBatch(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if sent != 3 || win.Count != 3 {
		t.Errorf("sent %d, window count %d; want 3 and 3", sent, win.Count)
	}
	expectStatuses(t, store, map[string]int{db.StatusSent: 3, db.StatusPending: 1})

	if got := mustEmail(t, store, future.ID); got.Status != db.StatusPending {
		t.Errorf("future email: got %s, want pending", got.Status)
	}
	if got := mustCampaign(t, store, c.ID); got.EmailsSent != 3 {
		t.Errorf("emails_sent: got %d, want 3", got.EmailsSent)
	}

	events := store.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.EventType != db.EventSent || ev.EventData["provider"] != "stub" {
			t.Errorf("unexpected event: %+v", ev)
		}
	}
	if len(sink.events) != 3 {
		t.Errorf("expected 3 published events, got %d", len(sink.events))
	}

	if len(stub.calls) != 3 {
		t.Fatalf("expected 3 provider calls, got %d", len(stub.calls))
	}
	msg := stub.calls[0]
	if msg.To != "a@example.com" || msg.ReplyTo != "replies@example.com" {
		t.Errorf("unexpected first message: to=%s reply_to=%s", msg.To, msg.ReplyTo)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "deck.pdf" {
		t.Errorf("unexpected attachments: %+v", msg.Attachments)
	}
}

func TestProcessBatch_ProviderFailure(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		seedEmail(store, c.ID, to, epoch)
	}

	proc := newProcessor(store, failing("boom"), processor.Config{RateLimit: 100})

	sent, win, err := proc.ProcessBatch(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sent != 0 || win.Count != 0 {
		t.Errorf("sent %d, window count %d; want 0 and 0", sent, win.Count)
	}

	for _, e := range store.Emails() {
		if e.Status != db.StatusFailed || e.LastError != "boom" || e.RetryCount != 1 || e.SentAt != nil {
			t.Errorf("email %d: unexpected state %s/%q/%d", e.ID, e.Status, e.LastError, e.RetryCount)
		}
	}

	got := mustCampaign(t, store, c.ID)
	if got.EmailsFailed != 4 || got.EmailsSent != 0 {
		t.Errorf("counters: failed %d sent %d, want 4 and 0", got.EmailsFailed, got.EmailsSent)
	}

	for _, ev := range store.Events() {
		if ev.EventType != db.EventFailed || ev.EventData["error"] != "boom" {
			t.Errorf("unexpected event: %+v", ev)
		}
	}
}

func TestProcessBatch_StopsAtRateLimit(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	for _, to := range []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io"} {
		seedEmail(store, c.ID, to, epoch)
	}

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 2})

	sent, win, err := proc.ProcessBatch(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if sent != 2 || win.Count != 2 || stub.Calls() != 2 {
		t.Errorf("sent %d, window %d, calls %d; want 2 each", sent, win.Count, stub.Calls())
	}
	expectStatuses(t, store, map[string]int{db.StatusSent: 2, db.StatusPending: 3})
}

func TestProcessBatch_FailuresDoNotConsumeWindow(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	for _, to := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		seedEmail(store, c.ID, to, epoch)
	}

	stub := failing("mailbox unavailable")
	proc := newProcessor(store, stub, processor.Config{RateLimit: 1})

	_, win, err := proc.ProcessBatch(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if win.Count != 0 {
		t.Errorf("window count: got %d, want 0", win.Count)
	}
	if stub.Calls() != 3 {
		t.Errorf("provider calls: got %d, want 3", stub.Calls())
	}
}

func TestProcessBatch_ZeroRateLimitSendsNothing(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	seedEmail(store, c.ID, "a@x.io", epoch)

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 0})

	sent, _, err := proc.ProcessBatch(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sent != 0 || stub.Calls() != 0 {
		t.Errorf("sent %d, calls %d; want nothing", sent, stub.Calls())
	}
}

func TestProcessBatch_ScopedToCampaign(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	a := seedCampaign(t, store)
	b := seedCampaign(t, store)
	seedEmail(store, a.ID, "a@x.io", epoch)
	seedEmail(store, b.ID, "b@x.io", epoch)

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10, CampaignID: b.ID})

	sent, _, err := proc.ProcessBatch(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent: got %d, want 1", sent)
	}
	if len(stub.calls) != 1 || stub.calls[0].To != "b@x.io" {
		t.Errorf("expected one send to b@x.io, got %d calls", len(stub.calls))
	}
}

func TestProcessBatch_SkipsStoppedCampaigns(t *testing.T) {
	t.Parallel()

	for _, status := range []string{db.CampaignPaused, db.CampaignCompleted, db.CampaignCancelled} {
		t.Run(status, func(t *testing.T) {
			t.Parallel()

			store := dbtest.New()
			stopped := seedCampaign(t, store)
			live := seedCampaign(t, store)
			held := seedEmail(store, stopped.ID, "held@x.io", epoch)
			retry := seedEmail(store, stopped.ID, "retry@x.io", epoch, func(e *db.QueuedEmail) {
				e.Status = db.StatusFailed
				e.RetryCount = 1
			})
			seedEmail(store, live.ID, "live@x.io", epoch)
			store.UpdateCampaign(stopped.ID, func(c *db.Campaign) { c.Status = status })

			stub := &stubProvider{}
			proc := newProcessor(store, stub, processor.Config{RateLimit: 10})

			stats, _ := proc.RunOnce(context.Background(), processor.NewRateWindow(epoch))
			if stats != (processor.RunStats{Sent: 1, Total: 1}) {
				t.Errorf("stats: got %+v, want one send", stats)
			}
			if len(stub.calls) != 1 || stub.calls[0].To != "live@x.io" {
				t.Errorf("expected only live@x.io to be sent, got %d calls", len(stub.calls))
			}
			if got := mustEmail(t, store, held.ID); got.Status != db.StatusPending {
				t.Errorf("held email: got %s, want pending", got.Status)
			}
			if got := mustEmail(t, store, retry.ID); got.Status != db.StatusFailed || got.RetryCount != 1 {
				t.Errorf("retry email: got %s/%d, want failed/1", got.Status, got.RetryCount)
			}
		})
	}
}

func TestProcessBatch_CancelledContextStopsBeforeNextItem(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	seedEmail(store, c.ID, "a@x.io", epoch)
	seedEmail(store, c.ID, "b@x.io", epoch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10, SendDelay: time.Millisecond})

	sent, _, err := proc.ProcessBatch(ctx, processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sent != 0 || stub.Calls() != 0 {
		t.Errorf("sent %d, calls %d; want nothing", sent, stub.Calls())
	}
	expectStatuses(t, store, map[string]int{db.StatusPending: 2})
}

func TestSendOne_SkipsRowClaimedElsewhere(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	e := seedEmail(store, c.ID, "a@x.io", epoch)
	store.UpdateEmail(e.ID, func(row *db.QueuedEmail) { row.Status = db.StatusSending })

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10})

	if proc.SendOne(context.Background(), e) {
		t.Error("SendOne should report false for a claimed row")
	}
	if stub.Calls() != 0 || len(store.Events()) != 0 {
		t.Errorf("expected no send and no events, got %d calls %d events", stub.Calls(), len(store.Events()))
	}
}

func TestSendOne_ProviderPanic(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	e := seedEmail(store, c.ID, "a@x.io", epoch)

	stub := &stubProvider{send: func(context.Context, *provider.Message) provider.Result {
		panic("nil transport")
	}}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10})

	if proc.SendOne(context.Background(), e) {
		t.Error("SendOne should report false after a panic")
	}

	got := mustEmail(t, store, e.ID)
	if got.Status != db.StatusFailed || got.RetryCount != 1 {
		t.Errorf("got %s/%d, want failed/1", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.LastError, "nil transport") {
		t.Errorf("last_error: got %q", got.LastError)
	}
}

func TestSendOne_CompletesAfterCancellation(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	e := seedEmail(store, c.ID, "a@x.io", epoch)

	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubProvider{send: func(ctx context.Context, msg *provider.Message) provider.Result {
		cancel()
		if ctx.Err() != nil {
			return provider.Result{Provider: "stub", Error: ctx.Err().Error()}
		}
		return provider.Result{Success: true, Provider: "stub", MessageID: "m-1"}
	}}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10})

	if !proc.SendOne(ctx, e) {
		t.Fatal("SendOne should complete the claimed send")
	}

	got := mustEmail(t, store, e.ID)
	if got.Status != db.StatusSent || got.ProviderMessageID != "m-1" {
		t.Errorf("got %s/%s, want sent/m-1", got.Status, got.ProviderMessageID)
	}
	if got.SentAt == nil || !got.SentAt.Equal(epoch) {
		t.Errorf("sent_at: got %v, want %v", got.SentAt, epoch)
	}
}

func TestSendOne_RetriesBookkeepingOnce(t *testing.T) {
	t.Parallel()

	t.Run("transient error", func(t *testing.T) {
		store := &flakyStore{Store: dbtest.New(), failures: 1}
		c := seedCampaign(t, store.Store)
		e := seedEmail(store.Store, c.ID, "a@x.io", epoch)

		stub := &stubProvider{}
		proc := newProcessor(store, stub, processor.Config{RateLimit: 10})

		if !proc.SendOne(context.Background(), e) {
			t.Fatal("SendOne should report the send")
		}
		if stub.Calls() != 1 || store.attempts != 2 {
			t.Errorf("calls %d, attempts %d; want 1 and 2", stub.Calls(), store.attempts)
		}
		if got := mustEmail(t, store.Store, e.ID); got.Status != db.StatusSent {
			t.Errorf("status: got %s, want sent", got.Status)
		}
		if got := mustCampaign(t, store.Store, c.ID); got.EmailsSent != 1 {
			t.Errorf("emails_sent: got %d, want 1", got.EmailsSent)
		}
	})

	t.Run("persistent error", func(t *testing.T) {
		store := &flakyStore{Store: dbtest.New(), failures: 5}
		c := seedCampaign(t, store.Store)
		e := seedEmail(store.Store, c.ID, "a@x.io", epoch)

		proc := newProcessor(store, &stubProvider{}, processor.Config{RateLimit: 10})

		if !proc.SendOne(context.Background(), e) {
			t.Fatal("an accepted send is reported even when bookkeeping fails")
		}
		if store.attempts != 2 {
			t.Errorf("attempts: got %d, want 2", store.attempts)
		}
		if got := mustEmail(t, store.Store, e.ID); got.Status != db.StatusSending {
			t.Errorf("status: got %s, want sending", got.Status)
		}
	})
}

func TestProcessRetryQueue(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	retryable := seedEmail(store, c.ID, "retry@x.io", epoch, func(e *db.QueuedEmail) {
		e.Status = db.StatusFailed
		e.RetryCount = 1
		e.LastError = "timeout"
	})
	exhausted := seedEmail(store, c.ID, "done@x.io", epoch, func(e *db.QueuedEmail) {
		e.Status = db.StatusFailed
		e.RetryCount = 3
		e.LastError = "timeout"
	})

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10})

	retried, win, err := proc.ProcessRetryQueue(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessRetryQueue: %v", err)
	}
	if retried != 1 || win.Count != 1 {
		t.Errorf("retried %d, window %d; want 1 and 1", retried, win.Count)
	}
	if len(stub.calls) != 1 || stub.calls[0].To != "retry@x.io" {
		t.Errorf("expected one send to retry@x.io, got %d calls", len(stub.calls))
	}

	if got := mustEmail(t, store, retryable.ID); got.Status != db.StatusSent || got.LastError != "" {
		t.Errorf("retryable: got %s/%q, want sent with no error", got.Status, got.LastError)
	}
	if got := mustEmail(t, store, exhausted.ID); got.Status != db.StatusFailed || got.RetryCount != 3 {
		t.Errorf("exhausted: got %s/%d, want failed/3", got.Status, got.RetryCount)
	}
}

func TestProcessRetryQueue_FailureConsumesRetry(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	e := seedEmail(store, c.ID, "retry@x.io", epoch, func(e *db.QueuedEmail) {
		e.Status = db.StatusFailed
		e.RetryCount = 2
	})

	proc := newProcessor(store, failing("still down"), processor.Config{RateLimit: 10})

	retried, _, err := proc.ProcessRetryQueue(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessRetryQueue: %v", err)
	}
	if retried != 0 {
		t.Errorf("retried: got %d, want 0", retried)
	}

	got := mustEmail(t, store, e.ID)
	if got.RetryCount != 3 || got.CanRetry() {
		t.Errorf("retry_count %d, can retry %v; want 3 and false", got.RetryCount, got.CanRetry())
	}

	retried, _, err = proc.ProcessRetryQueue(context.Background(), processor.NewRateWindow(epoch))
	if err != nil {
		t.Fatalf("ProcessRetryQueue: %v", err)
	}
	if retried != 0 {
		t.Errorf("exhausted email retried: got %d", retried)
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	seedEmail(store, c.ID, "a@x.io", epoch)
	seedEmail(store, c.ID, "b@x.io", epoch)
	seedEmail(store, c.ID, "c@x.io", epoch, func(e *db.QueuedEmail) {
		e.Status = db.StatusFailed
		e.RetryCount = 1
	})

	proc := newProcessor(store, &stubProvider{}, processor.Config{RateLimit: 10})

	stats, win := proc.RunOnce(context.Background(), processor.NewRateWindow(epoch))
	if want := (processor.RunStats{Sent: 2, Retried: 1, Total: 3}); stats != want {
		t.Errorf("stats: got %+v, want %+v", stats, want)
	}
	if win.Count != 3 {
		t.Errorf("window count: got %d, want 3", win.Count)
	}
}

func TestRunOnce_StoreErrorsAreContained(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	store.Err = errors.New("database is down")

	proc := newProcessor(store, &stubProvider{}, processor.Config{RateLimit: 10})

	stats, _ := proc.RunOnce(context.Background(), processor.NewRateWindow(epoch))
	if stats != (processor.RunStats{}) {
		t.Errorf("stats: got %+v, want zero", stats)
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	stuck := seedEmail(store, c.ID, "stuck@x.io", epoch)
	fresh := seedEmail(store, c.ID, "fresh@x.io", epoch)
	store.UpdateEmail(stuck.ID, func(e *db.QueuedEmail) {
		e.Status = db.StatusSending
		e.UpdatedAt = epoch.Add(-time.Hour)
	})
	store.UpdateEmail(fresh.ID, func(e *db.QueuedEmail) {
		e.Status = db.StatusSending
		e.UpdatedAt = epoch.Add(-time.Minute)
	})

	proc := newProcessor(store, &stubProvider{}, processor.Config{StaleAfter: 10 * time.Minute})

	n, err := proc.RecoverStale(context.Background())
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered: got %d, want 1", n)
	}

	got := mustEmail(t, store, stuck.ID)
	if got.Status != db.StatusFailed || got.LastError != "interrupted while sending" || !got.CanRetry() {
		t.Errorf("stuck email: got %s/%q, want retryable failure", got.Status, got.LastError)
	}
	if got := mustEmail(t, store, fresh.ID); got.Status != db.StatusSending {
		t.Errorf("fresh email: got %s, want sending", got.Status)
	}
}

func TestOnce_RecoversStaleBeforeSending(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	seedEmail(store, c.ID, "a@x.io", epoch)
	stuck := seedEmail(store, c.ID, "stuck@x.io", epoch)
	store.UpdateEmail(stuck.ID, func(e *db.QueuedEmail) {
		e.Status = db.StatusSending
		e.UpdatedAt = epoch.Add(-time.Hour)
	})

	stub := &stubProvider{}
	proc := newProcessor(store, stub, processor.Config{RateLimit: 10, StaleAfter: 10 * time.Minute})

	stats := proc.Once(context.Background())
	if want := (processor.RunStats{Sent: 1, Retried: 1, Total: 2}); stats != want {
		t.Errorf("stats: got %+v, want %+v", stats, want)
	}
	if got := mustEmail(t, store, stuck.ID); got.Status != db.StatusSent || got.RetryCount != 1 {
		t.Errorf("stuck email: got %s/%d, want sent/1", got.Status, got.RetryCount)
	}
	expectStatuses(t, store, map[string]int{db.StatusSent: 2})
}

type followUpCounter struct {
	calls atomic.Int32
}

func (f *followUpCounter) ExpandDueFollowUps(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	store := dbtest.New()
	c := seedCampaign(t, store)
	seedEmail(store, c.ID, "a@x.io", epoch)

	var (
		mu  sync.Mutex
		now = epoch
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}

	followUps := &followUpCounter{}
	proc := processor.New(store, &stubProvider{}, processor.Config{
		RateLimit:        10,
		Interval:         time.Hour,
		FollowUpSchedule: "* * * * *",
	}, zap.NewNop(), processor.WithClock(clock), processor.WithFollowUps(followUps))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for statuses(store)[db.StatusSent] != 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("email was not sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if n := followUps.calls.Load(); n != 1 {
		t.Errorf("follow-up expansions: got %d, want 1", n)
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	t.Parallel()

	proc := processor.New(dbtest.New(), &stubProvider{}, processor.Config{FollowUpSchedule: "every tuesday"},
		zap.NewNop(), processor.WithFollowUps(&followUpCounter{}))

	if err := proc.Run(context.Background()); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}
