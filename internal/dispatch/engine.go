// Package dispatch implements the ride-request state machine (spec.md
// §4.3): CreateRideRequest, MatchNextDriver, HandleDriverResponse,
// CheckTimeout, GetRideDetails, CancelRide. It generalizes the teacher's
// single-shot matcher.Service.Match into the full offer/decline/reassign
// loop, keeping the teacher's dependency-injected Service shape (plain
// struct fields, no package globals) and its best-effort event/ETA
// fallbacks.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/ridecore/dispatch/internal/apperr"
	"github.com/ridecore/dispatch/internal/eta"
	"github.com/ridecore/dispatch/internal/eventbus"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/idempotency"
	"github.com/ridecore/dispatch/internal/kv"
	"github.com/ridecore/dispatch/internal/models"
	"github.com/ridecore/dispatch/internal/observability"
	"github.com/ridecore/dispatch/internal/storage"
)

func offerLookupKey(rideID string) string { return "offer:" + rideID }
func rideLockKey(rideID string) string    { return "lock:ride:" + rideID }

type offerEntry struct {
	OfferID   string    `json:"offerId"`
	DriverID  string    `json:"driverId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Engine wires the proximity index, surge engine, idempotency store,
// relational store, event bus, and offer delivery into the state machine.
// Every dependency is a plain struct field, constructed once by the
// caller (cmd/server) — mirroring the teacher's matcher.Service.
type Engine struct {
	Store       storage.Store
	Geo         geo.Index
	KV          kv.Store
	Surge       surgeEngine
	Idempotency *idempotency.Store
	Events      eventbus.Publisher
	Notifier    OfferNotifier  // optional; nil means offers are delivered by poll/webhook only
	Scorer      Scorer         // optional; nil means nearest-eligible wins
	ETAClient   eta.Client     // optional; nil means the distance-only ETAMinutes heuristic is used
	ETACache    *eta.Cache     // optional, consulted/populated only when ETAClient is set
	Payments    PaymentHolder  // optional; nil skips the fare hold entirely
	Logger      *slog.Logger

	OfferTTL         time.Duration
	MaxMatchAttempts int
	DefaultRadiusKm  float64
	RideLockTTL      time.Duration
	RideRequestTTL   time.Duration
	FareBase         float64
	FarePerKm        float64
	FarePerMinute    float64
	DispatchHardCap  time.Duration // 0 disables the cap
}

// PaymentHolder is the subset of payments.StripeClient the dispatch engine
// calls. Payment processing is an out-of-scope external collaborator
// (spec.md §1); the engine only places a hold at acceptance time and never
// blocks dispatch on its result.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// surgeEngine is the subset of surge.Engine the dispatch engine calls,
// declared locally so this package doesn't need to import surge's event
// publishing internals — just its read/write contract.
type surgeEngine interface {
	IncrementDemand(ctx context.Context, cell, region string) (int64, error)
	GetSurgeForLocation(ctx context.Context, lat, lng float64) (models.SurgeCell, error)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// CreateRideRequestInput is the body of POST /api/v1/rides (spec.md §6).
type CreateRideRequestInput struct {
	RiderID       string               `json:"riderId"`
	Pickup        models.Coord         `json:"pickup"`
	Destination   models.Coord         `json:"destination"`
	Tier          models.VehicleTier   `json:"tier"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
}

// MatchedDriverSummary is the matched-driver fragment of CreateRideRequest's
// and MatchNextDriver's result (spec.md §4.3).
type MatchedDriverSummary struct {
	DriverID   string  `json:"driverId"`
	DistanceKm float64 `json:"distanceKm"`
	ETAMinutes int     `json:"etaMinutes"`
}

// CreateRideRequestResult is the response body for POST /api/v1/rides.
type CreateRideRequestResult struct {
	ID              string                `json:"id"`
	Status          models.RideStatus     `json:"status"`
	RiderID         string                `json:"riderId"`
	Pickup          models.Coord          `json:"pickup"`
	Destination     models.Coord          `json:"destination"`
	Tier            models.VehicleTier    `json:"tier"`
	SurgeMultiplier float64               `json:"surgeMultiplier"`
	EstimatedFare   float64               `json:"estimatedFare"`
	MatchedDriver   *MatchedDriverSummary `json:"matchedDriver,omitempty"`
	MatchAttempts   int                   `json:"matchAttempts"`
	Replayed        bool                  `json:"-"`
}

func validateCreateInput(in CreateRideRequestInput) error {
	if in.RiderID == "" {
		return apperr.New(apperr.KindValidation, "riderId is required")
	}
	if !validCoord(in.Pickup) || !validCoord(in.Destination) {
		return apperr.New(apperr.KindValidation, "pickup/destination out of range")
	}
	if !models.ValidTier(in.Tier) {
		return apperr.New(apperr.KindValidation, "invalid tier")
	}
	if !models.ValidPaymentMethod(in.PaymentMethod) {
		return apperr.New(apperr.KindValidation, "invalid paymentMethod")
	}
	return nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// CreateRideRequest implements spec.md §4.3's CreateRideRequest, including
// idempotency-key arbitration (step 1) against rawBody, the exact bytes the
// HTTP layer read off the wire. The whole intake path runs under a single
// hard cap (spec.md §5) so a slow store/surge/geo dependency can't hold the
// HTTP request open indefinitely.
func (e *Engine) CreateRideRequest(ctx context.Context, idempotencyKey string, rawBody []byte, in CreateRideRequestInput) (CreateRideRequestResult, error) {
	if e.DispatchHardCap > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.DispatchHardCap)
		defer cancel()
	}
	return e.createRideRequest(ctx, idempotencyKey, rawBody, in)
}

func (e *Engine) createRideRequest(ctx context.Context, idempotencyKey string, rawBody []byte, in CreateRideRequestInput) (CreateRideRequestResult, error) {
	if idempotencyKey == "" {
		return CreateRideRequestResult{}, apperr.New(apperr.KindMissingIdemKey, "Idempotency-Key header is required")
	}

	requestHash := idempotency.HashRequest("POST", "/api/v1/rides", rawBody)
	outcome, cached, err := e.Idempotency.Claim(ctx, idempotencyKey, requestHash)
	if err != nil {
		return CreateRideRequestResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "idempotency check failed", err)
	}
	switch outcome {
	case idempotency.OutcomeReplay:
		var out CreateRideRequestResult
		if err := json.Unmarshal(cached, &out); err != nil {
			return CreateRideRequestResult{}, apperr.Wrap(apperr.KindInternal, "corrupt cached response", err)
		}
		out.Replayed = true
		return out, nil
	case idempotency.OutcomeConflict:
		return CreateRideRequestResult{}, apperr.New(apperr.KindIdemConflict, "idempotency key reused with a different request body")
	case idempotency.OutcomeInFlight:
		return CreateRideRequestResult{}, apperr.New(apperr.KindRideBusy, "a request with this idempotency key is already in flight")
	}

	if err := validateCreateInput(in); err != nil {
		return CreateRideRequestResult{}, err
	}

	region := geo.RegionFor(in.Pickup.Lat, in.Pickup.Lng)
	cell := geo.CellID(in.Pickup.Lat, in.Pickup.Lng)

	if _, err := e.Surge.IncrementDemand(ctx, cell, region); err != nil {
		return CreateRideRequestResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "demand counter unavailable", err)
	}

	surgeMultiplier := 1.0
	if sc, err := e.Surge.GetSurgeForLocation(ctx, in.Pickup.Lat, in.Pickup.Lng); err != nil {
		e.logger().Warn("surge read failed, defaulting to 1.0", "error", err)
	} else {
		surgeMultiplier = sc.Multiplier
	}

	distanceKm := geo.Haversine(in.Pickup.Lat, in.Pickup.Lng, in.Destination.Lat, in.Destination.Lng)
	fare := round2((e.FareBase + e.FarePerKm*distanceKm + e.FarePerMinute*(distanceKm*3)) * surgeMultiplier)

	now := time.Now()
	req := &models.RideRequest{
		ID:              newID(),
		RiderID:         in.RiderID,
		Pickup:          in.Pickup,
		Destination:     in.Destination,
		Tier:            in.Tier,
		PaymentMethod:   in.PaymentMethod,
		Status:          models.RideMatching,
		SurgeMultiplier: surgeMultiplier,
		EstimatedFare:   fare,
		MatchAttempts:   0,
		Region:          region,
		Cell:            cell,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.RideRequestTTL),
		UpdatedAt:       now,
	}
	if err := e.Store.SaveRideRequest(ctx, req); err != nil {
		return CreateRideRequestResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist ride request", err)
	}

	e.publish(ctx, eventbus.TopicRideRequested, req.ID, map[string]interface{}{
		"rideId": req.ID, "riderId": req.RiderID, "region": region, "cell": cell,
	})

	matchResult, err := e.MatchNextDriver(ctx, req)
	if err != nil {
		e.logger().Error("match attempt failed", "rideId", req.ID, "error", err)
	}

	out := CreateRideRequestResult{
		ID:              req.ID,
		Status:          req.Status,
		RiderID:         req.RiderID,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		Tier:            req.Tier,
		SurgeMultiplier: req.SurgeMultiplier,
		EstimatedFare:   req.EstimatedFare,
		MatchAttempts:   req.MatchAttempts,
	}
	if matchResult.Matched {
		out.MatchedDriver = matchResult.Driver
	}

	if b, err := json.Marshal(out); err == nil {
		if err := e.Idempotency.Store(ctx, idempotencyKey, requestHash, b); err != nil {
			e.logger().Warn("idempotency store failed", "key", idempotencyKey, "error", err)
		}
	}

	return out, nil
}

// MatchResult is MatchNextDriver's outcome.
type MatchResult struct {
	Matched bool
	Driver  *MatchedDriverSummary
	Reason  string
}

// MatchNextDriver implements spec.md §4.3's MatchNextDriver: find the
// nearest eligible candidate excluding drivers who already declined this
// ride, create a DriverOffer, and advance the ride to DRIVER_OFFERED.
func (e *Engine) MatchNextDriver(ctx context.Context, req *models.RideRequest) (MatchResult, error) {
	matchStart := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(matchStart).Seconds()) }()

	nearby, err := e.Geo.FindNearby(ctx, geo.FindNearbyQuery{
		Lat: req.Pickup.Lat, Lng: req.Pickup.Lng, RadiusKm: e.DefaultRadiusKm,
		Region: req.Region, Tier: req.Tier, Limit: 10,
	})
	if err != nil {
		return MatchResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "proximity lookup failed", err)
	}

	eligible := make([]models.NearbyDriver, 0, len(nearby))
	for _, c := range nearby {
		if !req.HasDeclined(c.DriverID) {
			eligible = append(eligible, c)
		}
	}

	candidate, ok := pickCandidate(eligible, req.Tier, e.Scorer)
	if !ok {
		if req.MatchAttempts == 0 {
			req.Status = models.RideNoDrivers
		} else {
			req.Status = models.RideExpired
		}
		if err := e.Store.UpdateRideRequest(ctx, req); err != nil {
			return MatchResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist exhausted ride", err)
		}
		e.publish(ctx, eventbus.TopicRideExpired, req.ID, map[string]interface{}{
			"rideId": req.ID, "reason": "No available drivers",
		})
		observability.RidesExhaustedTotal.Inc()
		return MatchResult{Matched: false, Reason: "No available drivers"}, nil
	}

	now := time.Now()
	offer := &models.DriverOffer{
		ID:            newID(),
		RideRequestID: req.ID,
		DriverID:      candidate.DriverID,
		Status:        models.OfferPending,
		DistanceKm:    candidate.DistanceKm,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.OfferTTL),
	}
	if err := e.Store.SaveDriverOffer(ctx, offer); err != nil {
		return MatchResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist driver offer", err)
	}

	req.CurrentOfferID = offer.ID
	req.DriverID = candidate.DriverID
	req.MatchAttempts++
	req.Status = models.RideDriverOffered
	if err := e.Store.UpdateRideRequest(ctx, req); err != nil {
		return MatchResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist offered ride", err)
	}

	entry := offerEntry{OfferID: offer.ID, DriverID: offer.DriverID, ExpiresAt: offer.ExpiresAt}
	if b, err := json.Marshal(entry); err == nil {
		if err := e.KV.Set(ctx, offerLookupKey(req.ID), string(b), e.OfferTTL+5*time.Second); err != nil {
			e.logger().Warn("fast-lookup offer entry write failed", "rideId", req.ID, "error", err)
		}
	}

	e.publish(ctx, eventbus.TopicRideMatched, req.ID, map[string]interface{}{
		"rideId": req.ID, "driverId": offer.DriverID, "offerId": offer.ID,
		"distance": offer.DistanceKm, "offerExpiresAt": offer.ExpiresAt,
	})

	if e.Notifier != nil {
		if err := e.Notifier.NotifyOffer(offer.DriverID, OfferNotification{
			RideID: req.ID, OfferID: offer.ID, DriverID: offer.DriverID,
			DistanceKm: offer.DistanceKm, ExpiresAt: offer.ExpiresAt,
		}); err != nil {
			e.logger().Warn("offer notification failed", "driverId", offer.DriverID, "error", err)
		}
	}

	observability.MatchesTotal.Inc()
	observability.OffersCreatedTotal.Inc()

	return MatchResult{
		Matched: true,
		Driver: &MatchedDriverSummary{
			DriverID:   offer.DriverID,
			DistanceKm: offer.DistanceKm,
			ETAMinutes: e.etaMinutes(candidate, req.Pickup),
		},
	}, nil
}

// etaMinutes uses ETAClient (e.g. OSRM) when configured, caching results
// in ETACache; otherwise it falls back to spec.md §4.3's
// ceil(2*distanceKm) heuristic. A client error is non-fatal: fall back
// rather than abort the match.
func (e *Engine) etaMinutes(candidate models.NearbyDriver, pickup models.Coord) int {
	if e.ETAClient == nil {
		return int(math.Ceil(2 * candidate.DistanceKm))
	}
	from := models.Coord{Lat: candidate.Lat, Lng: candidate.Lng}
	if e.ETACache != nil {
		if v, ok := e.ETACache.Get(from, pickup); ok {
			return int(math.Ceil(v / 60))
		}
	}
	seconds, err := e.ETAClient.EstimateSeconds(from, pickup)
	if err != nil {
		e.logger().Warn("eta client failed, falling back to distance heuristic", "error", err)
		return int(math.Ceil(2 * candidate.DistanceKm))
	}
	if e.ETACache != nil {
		e.ETACache.Set(from, pickup, seconds)
	}
	return int(math.Ceil(seconds / 60))
}

// DriverResponseInput is the body of POST .../driver-response.
type DriverResponseInput struct {
	DriverID string `json:"driverId"`
	Action   string `json:"action"` // ACCEPT | DECLINE
	Reason   string `json:"reason,omitempty"`
}

// DriverResponseResult is the response of HandleDriverResponse.
type DriverResponseResult struct {
	Status   string `json:"status"`
	DriverID string `json:"driverId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const (
	ActionAccept  = "ACCEPT"
	ActionDecline = "DECLINE"
)

// HandleDriverResponse implements spec.md §4.3: acquires the per-ride
// lock, validates the offer is the one currently live for this driver,
// then applies ACCEPT or DECLINE.
func (e *Engine) HandleDriverResponse(ctx context.Context, rideID string, in DriverResponseInput) (DriverResponseResult, error) {
	return e.handleDriverResponse(ctx, rideID, in, false)
}

// handleDriverResponse is HandleDriverResponse's body. fromTimeout is set
// by CheckTimeout: an absent fast-lookup entry is then the expiry being
// processed, not a stale driver response, so it does not fail OFFER_EXPIRED.
func (e *Engine) handleDriverResponse(ctx context.Context, rideID string, in DriverResponseInput, fromTimeout bool) (DriverResponseResult, error) {
	acquired, err := e.KV.SetNX(ctx, rideLockKey(rideID), "1", e.RideLockTTL)
	if err != nil {
		return DriverResponseResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "lock store unavailable", err)
	}
	if !acquired {
		return DriverResponseResult{}, apperr.New(apperr.KindRideBusy, "another response is in flight for this ride")
	}
	defer func() {
		if err := e.KV.Delete(ctx, rideLockKey(rideID)); err != nil {
			e.logger().Warn("ride lock release failed", "rideId", rideID, "error", err)
		}
	}()

	req, found, err := e.Store.GetRideRequest(ctx, rideID)
	if err != nil {
		return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to load ride request", err)
	}
	if !found {
		return DriverResponseResult{}, apperr.New(apperr.KindNotFound, "ride not found")
	}
	if req.Status != models.RideDriverOffered || req.CurrentOfferID == "" {
		return DriverResponseResult{}, apperr.New(apperr.KindOfferInvalid, "ride has no live offer")
	}

	offer, found, err := e.Store.GetDriverOffer(ctx, req.CurrentOfferID)
	if err != nil {
		return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to load driver offer", err)
	}
	if !found || offer.Status != models.OfferPending || offer.DriverID != in.DriverID {
		return DriverResponseResult{}, apperr.New(apperr.KindOfferInvalid, "offer does not match driver/ride state")
	}

	if _, ok, err := e.KV.Get(ctx, offerLookupKey(rideID)); err != nil {
		return DriverResponseResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "fast-lookup read failed", err)
	} else if !ok && !fromTimeout {
		return DriverResponseResult{}, apperr.New(apperr.KindOfferExpired, "offer has expired")
	}

	now := time.Now()
	switch in.Action {
	case ActionAccept:
		offer.Status = models.OfferAccepted
		offer.RespondedAt = &now
		if err := e.Store.UpdateDriverOffer(ctx, offer); err != nil {
			return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist accepted offer", err)
		}

		req.Status = models.RideAccepted
		if e.Payments != nil && req.PaymentMethod == models.PaymentCard {
			cents := int64(math.Round(req.EstimatedFare * 100))
			intentID, err := e.Payments.Hold(ctx, cents, "usd", req.RiderID)
			if err != nil {
				e.logger().Warn("fare hold failed, proceeding without it", "rideId", rideID, "error", err)
			} else {
				req.PaymentIntentID = intentID
			}
		}
		if err := e.Store.UpdateRideRequest(ctx, req); err != nil {
			return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist accepted ride", err)
		}

		if _, err := e.Geo.SetStatus(ctx, in.DriverID, models.DriverOnTrip); err != nil {
			e.logger().Warn("driver status update failed", "driverId", in.DriverID, "error", err)
		}

		e.publish(ctx, eventbus.TopicRideAccepted, rideID, map[string]interface{}{
			"rideId": rideID, "driverId": in.DriverID,
		})

		if err := e.KV.Delete(ctx, offerLookupKey(rideID)); err != nil {
			e.logger().Warn("fast-lookup offer entry delete failed", "rideId", rideID, "error", err)
		}

		return DriverResponseResult{Status: "ACCEPTED", DriverID: in.DriverID}, nil

	case ActionDecline:
		offer.Status = models.OfferDeclined
		offer.RespondedAt = &now
		offer.DeclineReason = in.Reason
		if err := e.Store.UpdateDriverOffer(ctx, offer); err != nil {
			return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist declined offer", err)
		}

		req.DeclinedDrivers = append(req.DeclinedDrivers, in.DriverID)
		observability.OffersDeclinedTotal.Inc()

		e.publish(ctx, eventbus.TopicRideDeclined, rideID, map[string]interface{}{
			"rideId": rideID, "driverId": in.DriverID, "reason": in.Reason,
		})

		if req.MatchAttempts >= e.MaxMatchAttempts {
			req.Status = models.RideExpired
			if err := e.Store.UpdateRideRequest(ctx, req); err != nil {
				return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist expired ride", err)
			}
			observability.RidesExhaustedTotal.Inc()
			return DriverResponseResult{Status: "EXPIRED", Reason: "Max match attempts reached"}, nil
		}

		req.Status = models.RideMatching
		if err := e.Store.UpdateRideRequest(ctx, req); err != nil {
			return DriverResponseResult{}, apperr.Wrap(apperr.KindInternal, "failed to persist ride before reassignment", err)
		}

		mr, err := e.MatchNextDriver(ctx, req)
		if err != nil {
			return DriverResponseResult{}, err
		}
		if !mr.Matched {
			return DriverResponseResult{Status: "EXPIRED", Reason: "No available drivers"}, nil
		}
		return DriverResponseResult{Status: "REASSIGNED", DriverID: mr.Driver.DriverID}, nil

	default:
		return DriverResponseResult{}, apperr.New(apperr.KindValidation, "action must be ACCEPT or DECLINE")
	}
}

// CheckTimeoutResult is the response of CheckTimeout.
type CheckTimeoutResult struct {
	TimedOut bool `json:"timedOut"`
}

// CheckTimeout implements spec.md §4.3: if the fast-lookup offer entry is
// absent or past its expiry, the outstanding offer is treated as an
// implicit decline.
func (e *Engine) CheckTimeout(ctx context.Context, rideID string) (CheckTimeoutResult, error) {
	raw, ok, err := e.KV.Get(ctx, offerLookupKey(rideID))
	if err != nil {
		return CheckTimeoutResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "fast-lookup read failed", err)
	}

	expired := !ok
	if ok {
		var entry offerEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			expired = true
		} else if time.Now().After(entry.ExpiresAt) {
			expired = true
		}
	}
	if !expired {
		return CheckTimeoutResult{TimedOut: false}, nil
	}

	req, found, err := e.Store.GetRideRequest(ctx, rideID)
	if err != nil {
		return CheckTimeoutResult{}, apperr.Wrap(apperr.KindInternal, "failed to load ride request", err)
	}
	if !found {
		return CheckTimeoutResult{}, apperr.New(apperr.KindNotFound, "ride not found")
	}
	if req.Status != models.RideDriverOffered {
		// Already resolved by a concurrent accept/decline; nothing to do.
		return CheckTimeoutResult{TimedOut: false}, nil
	}

	if _, err := e.handleDriverResponse(ctx, rideID, DriverResponseInput{
		DriverID: req.DriverID, Action: ActionDecline, Reason: "Timeout",
	}, true); err != nil {
		if ae, ok := apperr.As(err); ok && (ae.Kind == apperr.KindOfferInvalid || ae.Kind == apperr.KindOfferExpired || ae.Kind == apperr.KindRideBusy) {
			// Resolved or contended between our read and the decline call.
			return CheckTimeoutResult{TimedOut: false}, nil
		}
		return CheckTimeoutResult{}, err
	}
	observability.OffersTimedOutTotal.Inc()
	return CheckTimeoutResult{TimedOut: true}, nil
}

// RideDetails is GetRideDetails' result: the RideRequest plus the live
// offer's status, matchAttempts, and declinedDriverIds (spec.md §6 ADDED
// supplemental field, already carried on RideRequest itself).
type RideDetails struct {
	models.RideRequest
	CurrentOfferStatus models.OfferStatus `json:"currentOfferStatus,omitempty"`
}

// GetRideDetails is a pure read.
func (e *Engine) GetRideDetails(ctx context.Context, rideID string) (RideDetails, error) {
	req, found, err := e.Store.GetRideRequest(ctx, rideID)
	if err != nil {
		return RideDetails{}, apperr.Wrap(apperr.KindInternal, "failed to load ride request", err)
	}
	if !found {
		return RideDetails{}, apperr.New(apperr.KindNotFound, "ride not found")
	}
	details := RideDetails{RideRequest: *req}
	if req.CurrentOfferID != "" {
		if offer, ok, err := e.Store.GetDriverOffer(ctx, req.CurrentOfferID); err == nil && ok {
			details.CurrentOfferStatus = offer.Status
		}
	}
	return details, nil
}

// CancelRide implements spec.md §4.3: unconditional CANCELLED unless the
// ride is already in a terminal status, in which case it's a no-op.
func (e *Engine) CancelRide(ctx context.Context, rideID, reason string) (models.RideRequest, error) {
	req, found, err := e.Store.GetRideRequest(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, apperr.Wrap(apperr.KindInternal, "failed to load ride request", err)
	}
	if !found {
		return models.RideRequest{}, apperr.New(apperr.KindNotFound, "ride not found")
	}
	if req.Status.IsTerminal() {
		return *req, nil
	}
	req.Status = models.RideCancelled
	if err := e.Store.UpdateRideRequest(ctx, req); err != nil {
		return models.RideRequest{}, apperr.Wrap(apperr.KindInternal, "failed to persist cancellation", err)
	}
	return *req, nil
}

func (e *Engine) publish(ctx context.Context, topic, key string, data map[string]interface{}) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, topic, key, eventbus.Event{Data: data}); err != nil {
		e.logger().Warn("event publish failed", "topic", topic, "key", key, "error", err)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
