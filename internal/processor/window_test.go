package processor

import (
	"testing"
	"time"
)

func TestRateWindow(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("zero window starts at first check", func(t *testing.T) {
		w, ok := RateWindow{}.Check(start, 1)
		if !ok {
			t.Fatal("first check should be allowed")
		}
		if !w.Start.Equal(start) || w.Count != 0 {
			t.Errorf("got %+v, want window at %v with no sends", w, start)
		}
	})

	t.Run("allows until count reaches limit", func(t *testing.T) {
		w := NewRateWindow(start)
		for i := 0; i < 3; i++ {
			var ok bool
			w, ok = w.Check(start.Add(time.Minute), 3)
			if !ok {
				t.Fatalf("send %d should be allowed", i)
			}
			w = w.Record()
		}
		if _, ok := w.Check(start.Add(2*time.Minute), 3); ok {
			t.Error("fourth send should be refused")
		}
		if r := w.Remaining(3); r != 0 {
			t.Errorf("remaining: got %d, want 0", r)
		}
	})

	t.Run("resets after an hour", func(t *testing.T) {
		w := RateWindow{Start: start, Count: 5}
		w, ok := w.Check(start.Add(time.Hour), 5)
		if !ok {
			t.Fatal("check after an hour should be allowed")
		}
		if w.Count != 0 || !w.Start.Equal(start.Add(time.Hour)) {
			t.Errorf("got %+v, want fresh window", w)
		}
	})

	t.Run("does not reset just before an hour", func(t *testing.T) {
		w := RateWindow{Start: start, Count: 5}
		w, ok := w.Check(start.Add(59*time.Minute), 5)
		if ok {
			t.Error("full window should refuse")
		}
		if w.Count != 5 {
			t.Errorf("count: got %d, want 5", w.Count)
		}
	})

	t.Run("zero limit allows nothing", func(t *testing.T) {
		if _, ok := NewRateWindow(start).Check(start, 0); ok {
			t.Error("zero limit should refuse")
		}
	})

	t.Run("record leaves receiver unchanged", func(t *testing.T) {
		w := NewRateWindow(start)
		next := w.Record()
		if w.Count != 0 {
			t.Errorf("receiver count: got %d, want 0", w.Count)
		}
		if next.Count != 1 || next.Remaining(3) != 2 {
			t.Errorf("next: count %d remaining %d, want 1 and 2", next.Count, next.Remaining(3))
		}
	})
}
