package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/templates/{id}", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/campaigns", 201, 50*time.Millisecond)
	RecordRequest("GET", "/v1/templates/{id}", 404, 10*time.Millisecond)
}

func TestRecordQueued(t *testing.T) {
	RecordQueued("initial", 3)
	RecordQueued("follow_up", 1)
	RecordQueued("initial", 0)
}

func TestRecordSend(t *testing.T) {
	RecordSend("smtp", "sent", 200*time.Millisecond)
	RecordSend("aws_ses", "failed", 2*time.Second)
}

func TestRecordClaimConflictAndHalt(t *testing.T) {
	RecordClaimConflict()
	RecordRateWindowHalt()
}

func TestRecordTrackingEvent(t *testing.T) {
	RecordTrackingEvent("opened")
	RecordTrackingEvent("bounced")
}

func TestRecordFeedbackMessage(t *testing.T) {
	RecordFeedbackMessage("recorded")
	RecordFeedbackMessage("skipped")
}

func TestSetSQSMessagesInFlight(t *testing.T) {
	SetSQSMessagesInFlight(10)
	SetSQSMessagesInFlight(0)
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("smtp", 1)
	SetBreakerState("smtp", 0)
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("10.0.0.1")
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(4)
}

func TestHandler(t *testing.T) {
	RecordSend("log", "sent", time.Millisecond)

	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "outreach_sends_total") {
		t.Error("metrics response should include outreach_sends_total")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/v1/templates/42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
