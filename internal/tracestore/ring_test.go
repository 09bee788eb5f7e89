package tracestore

import (
	"testing"
	"time"
)

func mkTrace(id string, status int, latencyMs float64, attempts int) Trace {
	at := make([]Attempt, attempts)
	for i := range at {
		at[i] = Attempt{AttemptNumber: i + 1}
	}
	return Trace{
		TraceID:   id,
		RequestID: id,
		Status:    status,
		LatencyMs: latencyMs,
		Attempts:  at,
		StartedAt: time.Now(),
		Ended:     true,
	}
}

func TestPut_GetRoundTrip(t *testing.T) {
	s := New(4)
	s.Put(mkTrace("a", 200, 10, 1))

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("expected trace to be found")
	}
	if got.Status != 200 {
		t.Fatalf("expected status 200, got %d", got.Status)
	}
}

func TestPut_EvictsOldestWhenFull(t *testing.T) {
	s := New(2)
	s.Put(mkTrace("a", 200, 1, 1))
	s.Put(mkTrace("b", 200, 1, 1))
	s.Put(mkTrace("c", 200, 1, 1)) // evicts "a"

	if _, ok := s.Get("a"); ok {
		t.Fatal("expected oldest trace to be evicted")
	}
	if _, ok := s.Get("b"); !ok {
		t.Fatal("expected b to remain")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatal("expected c to remain")
	}
	if s.Len() != 2 {
		t.Fatalf("expected len 2, got %d", s.Len())
	}
}

func TestPut_OverwritesExistingByID(t *testing.T) {
	s := New(4)
	s.Put(mkTrace("a", 200, 1, 1))
	s.Put(Trace{TraceID: "a", Status: 500, Ended: true})

	got, _ := s.Get("a")
	if got.Status != 500 {
		t.Fatalf("expected overwritten status 500, got %d", got.Status)
	}
	if s.Len() != 1 {
		t.Fatalf("expected len 1 after overwrite, got %d", s.Len())
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	s := New(4)
	s.Put(mkTrace("a", 200, 1, 1))
	s.Put(mkTrace("b", 200, 1, 1))
	s.Put(mkTrace("c", 200, 1, 1))

	recent := s.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 results, got %d", len(recent))
	}
	if recent[0].TraceID != "c" || recent[1].TraceID != "b" {
		t.Fatalf("expected newest-first order c,b; got %s,%s", recent[0].TraceID, recent[1].TraceID)
	}
}

func TestQuery_FiltersBySuccessAndRetries(t *testing.T) {
	s := New(8)
	s.Put(mkTrace("ok-single", 200, 1, 1))
	s.Put(mkTrace("ok-retried", 200, 1, 3))
	s.Put(mkTrace("failed", 500, 1, 1))

	successTrue := true
	results := s.Query(Filter{Success: &successTrue})
	if len(results) != 2 {
		t.Fatalf("expected 2 successful traces, got %d", len(results))
	}

	retriedTrue := true
	results = s.Query(Filter{HasRetries: &retriedTrue})
	if len(results) != 1 || results[0].TraceID != "ok-retried" {
		t.Fatalf("expected only ok-retried, got %v", results)
	}
}

func TestQuery_FiltersByMinDuration(t *testing.T) {
	s := New(4)
	s.Put(mkTrace("fast", 200, 10, 1))
	s.Put(mkTrace("slow", 200, 5000, 1))

	results := s.Query(Filter{MinDuration: time.Second})
	if len(results) != 1 || results[0].TraceID != "slow" {
		t.Fatalf("expected only slow trace, got %v", results)
	}
}

func TestExport_ReturnsOldestFirst(t *testing.T) {
	s := New(4)
	s.Put(mkTrace("a", 200, 1, 1))
	s.Put(mkTrace("b", 200, 1, 1))

	all := s.Export()
	if len(all) != 2 || all[0].TraceID != "a" || all[1].TraceID != "b" {
		t.Fatalf("expected oldest-first [a,b], got %v", all)
	}
}
