package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/ridecore/dispatch/internal/models"
)

// PostgresStore persists ride requests and driver offers with raw
// database/sql + lib/pq, generalized from the teacher's single rides
// table into the two tables spec.md §6 names.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveRideRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_requests(
			id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, tier,
			payment_method, status, surge_multiplier, estimated_fare,
			match_attempts, current_offer_id, driver_id, payment_intent_id, region, cell,
			idempotency_key, created_at, expires_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng, r.Tier,
		r.PaymentMethod, r.Status, r.SurgeMultiplier, r.EstimatedFare,
		r.MatchAttempts, nullableString(r.CurrentOfferID), nullableString(r.DriverID), nullableString(r.PaymentIntentID), r.Region, r.Cell,
		r.IdempotencyKey, r.CreatedAt, r.ExpiresAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRideRequest(ctx context.Context, r *models.RideRequest) error {
	r.UpdatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests SET
			status=$1, surge_multiplier=$2, estimated_fare=$3, match_attempts=$4,
			current_offer_id=$5, driver_id=$6, payment_intent_id=$7, updated_at=$8
		WHERE id=$9`,
		r.Status, r.SurgeMultiplier, r.EstimatedFare, r.MatchAttempts,
		nullableString(r.CurrentOfferID), nullableString(r.DriverID), nullableString(r.PaymentIntentID), r.UpdatedAt, r.ID)
	return err
}

func (p *PostgresStore) GetRideRequest(ctx context.Context, id string) (*models.RideRequest, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, tier,
			payment_method, status, surge_multiplier, estimated_fare,
			match_attempts, current_offer_id, driver_id, payment_intent_id, region, cell,
			idempotency_key, created_at, expires_at, updated_at
		FROM ride_requests WHERE id=$1`, id)

	var r models.RideRequest
	var currentOfferID, driverID, paymentIntentID sql.NullString
	if err := row.Scan(
		&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng, &r.Tier,
		&r.PaymentMethod, &r.Status, &r.SurgeMultiplier, &r.EstimatedFare,
		&r.MatchAttempts, &currentOfferID, &driverID, &paymentIntentID, &r.Region, &r.Cell,
		&r.IdempotencyKey, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	r.CurrentOfferID = currentOfferID.String
	r.DriverID = driverID.String
	r.PaymentIntentID = paymentIntentID.String
	return &r, true, nil
}

func (p *PostgresStore) SaveDriverOffer(ctx context.Context, o *models.DriverOffer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_offers(
			id, ride_request_id, driver_id, status, distance_km, created_at, expires_at
		) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.RideRequestID, o.DriverID, o.Status, o.DistanceKm, o.CreatedAt, o.ExpiresAt)
	return err
}

func (p *PostgresStore) UpdateDriverOffer(ctx context.Context, o *models.DriverOffer) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE driver_offers SET status=$1, responded_at=$2, decline_reason=$3
		WHERE id=$4`,
		o.Status, o.RespondedAt, o.DeclineReason, o.ID)
	return err
}

func (p *PostgresStore) GetDriverOffer(ctx context.Context, id string) (*models.DriverOffer, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, ride_request_id, driver_id, status, distance_km, created_at, expires_at, responded_at, decline_reason
		FROM driver_offers WHERE id=$1`, id)

	var o models.DriverOffer
	var respondedAt sql.NullTime
	var declineReason sql.NullString
	if err := row.Scan(&o.ID, &o.RideRequestID, &o.DriverID, &o.Status, &o.DistanceKm, &o.CreatedAt, &o.ExpiresAt, &respondedAt, &declineReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if respondedAt.Valid {
		o.RespondedAt = &respondedAt.Time
	}
	o.DeclineReason = declineReason.String
	return &o, true, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
