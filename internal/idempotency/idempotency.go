// Package idempotency implements the idempotency-key arbitration used by
// CreateRideRequest (spec.md §2, §4.3 step 1, §8 invariant 8): a
// client-supplied key maps to the hash of the request body that first used
// it and the response that request produced, for a bounded TTL.
//
// Grounded on the "ID doubles as the idempotency key, retries must be
// safe" design in arkantrust-idempotency_example and the
// key/requestHash/cachedResponse field shape of malwarebo-conductor's
// IdempotencyKey model, re-expressed over the hot key-value store instead
// of a durable jsonb column — this repo draws the same hot/durable line
// the teacher draws between Redis and Postgres.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ridecore/dispatch/internal/kv"
)

// Outcome is the result of arbitrating a request against a stored key.
type Outcome int

const (
	// OutcomeNew means the caller's Claim call reserved the key; the
	// caller should process the request and then call Store.
	OutcomeNew Outcome = iota
	// OutcomeReplay means the key was seen before with an identical body
	// hash and the first caller already finished; the caller should
	// return CachedResponse unchanged.
	OutcomeReplay
	// OutcomeConflict means the key was seen before with a different
	// body hash; the caller should fail the request.
	OutcomeConflict
	// OutcomeInFlight means another request is currently processing this
	// exact key+body and hasn't called Store yet; the caller should fail
	// the request rather than race it.
	OutcomeInFlight
)

// Store arbitrates idempotency keys over a kv.Store.
type Store struct {
	KV  kv.Store
	TTL time.Duration
}

// New builds an idempotency Store.
func New(store kv.Store, ttl time.Duration) *Store {
	return &Store{KV: store, TTL: ttl}
}

// HashRequest computes a deterministic hash for (method, path, body),
// matching spec.md §3's "requestHash deterministic for (method,path,body)".
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type record struct {
	RequestHash string `json:"requestHash"`
	Response    []byte `json:"response,omitempty"`
	// Pending is true from the moment Claim reserves the key until Store
	// overwrites it with the real response, so a second concurrent
	// request for the same key sees OutcomeInFlight instead of racing the
	// first one to completion.
	Pending bool `json:"pending,omitempty"`
}

func storageKey(k string) string { return "idempotency:" + k }

// Claim atomically reserves idempotencyKey for requestHash via the
// underlying store's SetNX, so concurrent first-use requests for the same
// key can't both observe OutcomeNew and both run the pipeline (spec.md §5,
// §8 invariant 8 — first writer wins). The winner must call Store once
// processing finishes; losers get OutcomeReplay, OutcomeConflict, or
// OutcomeInFlight depending on what the winner has recorded so far.
func (s *Store) Claim(ctx context.Context, idempotencyKey, requestHash string) (outcome Outcome, cachedResponse []byte, err error) {
	pending, err := json.Marshal(record{RequestHash: requestHash, Pending: true})
	if err != nil {
		return 0, nil, err
	}

	// One retry covers the narrow window where the key we just lost
	// SetNX against expires before we Get it back.
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.KV.SetNX(ctx, storageKey(idempotencyKey), string(pending), s.TTL)
		if err != nil {
			return 0, nil, err
		}
		if claimed {
			return OutcomeNew, nil, nil
		}

		raw, ok, err := s.KV.Get(ctx, storageKey(idempotencyKey))
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return 0, nil, err
		}
		if rec.RequestHash != requestHash {
			return OutcomeConflict, nil, nil
		}
		if rec.Pending {
			return OutcomeInFlight, nil, nil
		}
		return OutcomeReplay, rec.Response, nil
	}
	return OutcomeNew, nil, nil
}

// Store persists the (requestHash, response) pair for idempotencyKey,
// clearing Pending so a future replay returns response instead of
// OutcomeInFlight. Called once, after the request that won Claim has been
// fully processed.
func (s *Store) Store(ctx context.Context, idempotencyKey, requestHash string, response []byte) error {
	rec := record{RequestHash: requestHash, Response: response}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.KV.Set(ctx, storageKey(idempotencyKey), string(b), s.TTL)
}
