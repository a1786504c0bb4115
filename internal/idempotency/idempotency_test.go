package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/ridecore/dispatch/internal/kv"
)

func TestClaimNewReplayConflict(t *testing.T) {
	s := New(kv.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	hash1 := HashRequest("POST", "/api/v1/rides", []byte(`{"pickup":"a"}`))

	outcome, _, err := s.Claim(ctx, "k1", hash1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("expected new, got %v", outcome)
	}

	if err := s.Store(ctx, "k1", hash1, []byte(`{"id":"ride-1"}`)); err != nil {
		t.Fatalf("store: %v", err)
	}

	outcome, cached, err := s.Claim(ctx, "k1", hash1)
	if err != nil {
		t.Fatalf("claim replay: %v", err)
	}
	if outcome != OutcomeReplay || string(cached) != `{"id":"ride-1"}` {
		t.Fatalf("expected replay with identical body, got outcome=%v cached=%s", outcome, cached)
	}

	hash2 := HashRequest("POST", "/api/v1/rides", []byte(`{"pickup":"b"}`))
	outcome, _, err = s.Claim(ctx, "k1", hash2)
	if err != nil {
		t.Fatalf("claim conflict: %v", err)
	}
	if outcome != OutcomeConflict {
		t.Fatalf("expected conflict, got %v", outcome)
	}
}

func TestClaimSecondCallerSeesInFlight(t *testing.T) {
	s := New(kv.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	hash := HashRequest("POST", "/api/v1/rides", []byte(`{"pickup":"a"}`))

	outcome, _, err := s.Claim(ctx, "k2", hash)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("expected first claim to win, got %v", outcome)
	}

	outcome, _, err = s.Claim(ctx, "k2", hash)
	if err != nil {
		t.Fatalf("claim while in flight: %v", err)
	}
	if outcome != OutcomeInFlight {
		t.Fatalf("expected second claim to see in-flight, got %v", outcome)
	}

	if err := s.Store(ctx, "k2", hash, []byte(`{"id":"ride-2"}`)); err != nil {
		t.Fatalf("store: %v", err)
	}

	outcome, cached, err := s.Claim(ctx, "k2", hash)
	if err != nil {
		t.Fatalf("claim after store: %v", err)
	}
	if outcome != OutcomeReplay || string(cached) != `{"id":"ride-2"}` {
		t.Fatalf("expected replay once the winner stored, got outcome=%v cached=%s", outcome, cached)
	}
}

func TestHashRequestDeterministic(t *testing.T) {
	a := HashRequest("POST", "/x", []byte("body"))
	b := HashRequest("POST", "/x", []byte("body"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	c := HashRequest("POST", "/x", []byte("other"))
	if a == c {
		t.Fatalf("expected different bodies to hash differently")
	}
}
