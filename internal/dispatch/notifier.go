package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OfferNotification is the payload pushed to a driver when MatchNextDriver
// creates a DriverOffer for them (spec.md §4.3's ride.matched delivery).
type OfferNotification struct {
	RideID     string    `json:"rideId"`
	OfferID    string    `json:"offerId"`
	DriverID   string    `json:"driverId"`
	DistanceKm float64   `json:"distanceKm"`
	ExpiresAt  time.Time `json:"offerExpiresAt"`
}

// OfferNotifier pushes an offer to a driver's device. Delivery is
// best-effort: the dispatch engine never fails MatchNextDriver on a
// notifier error (spec.md §7 propagation policy).
type OfferNotifier interface {
	NotifyOffer(driverID string, offer OfferNotification) error
}

// WSSession is a single connected driver's socket, generalized from the
// teacher's ws_dispatch.go.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(offer OfferNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(offer)
}

// WSNotifier holds live driver websocket sessions, generalized from the
// teacher's WSRegistry (renamed Offer -> NotifyOffer, models.MatchOffer ->
// OfferNotification).
type WSNotifier struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSNotifier(logger *slog.Logger) *WSNotifier {
	return &WSNotifier{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSNotifier) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSNotifier) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

var ErrNoSession = fmt.Errorf("no ws session")

func (r *WSNotifier) NotifyOffer(driverID string, offer OfferNotification) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(offer); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws notify failed", "driverId", driverID, "error", err)
		}
		return err
	}
	return nil
}

// FCMNotifier posts to an FCM-compatible HTTPv1 endpoint, generalized from
// the teacher's fcm_dispatch.go to carry OfferNotification instead of an
// untyped payload.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) NotifyOffer(driverID string, offer OfferNotification) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token": driverID,
			"data":  offer,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// FallbackNotifier tries WS first, falling back to FCM push when the
// driver has no live socket, generalized from the teacher's
// push_dispatch.go (which did the same WS-then-HTTP fallback over an
// untyped map payload).
type FallbackNotifier struct {
	WS  *WSNotifier
	FCM *FCMNotifier
}

func (f *FallbackNotifier) NotifyOffer(driverID string, offer OfferNotification) error {
	if f.WS != nil {
		if err := f.WS.NotifyOffer(driverID, offer); err == nil {
			return nil
		}
	}
	if f.FCM != nil {
		return f.FCM.NotifyOffer(driverID, offer)
	}
	return ErrNoSession
}
