package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cleandispatch/internal/config"
	"cleandispatch/internal/domain"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/metrics"
	"cleandispatch/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pinger is a dependency whose health /healthz reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordReader is the read side of the durable store the HTTP surface exposes.
type RecordReader interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetProvider(ctx context.Context, id string) (*models.ProviderProfile, error)
	GetRatingByBooking(ctx context.Context, bookingID string) (*models.Rating, error)
	GetFailedPendingWrites(ctx context.Context) ([]*models.PendingWrite, error)
}

var _ RecordReader = (domain.RecordStore)(nil)

// degrader is a check that can stay reachable while running on a fallback.
type degrader interface {
	Degraded() bool
}

// HTTPServer exposes the session surface for thin clients plus record lookups.
type HTTPServer struct {
	cfg      config.APIConfig
	sessions *Registry
	records  RecordReader
	checks   map[string]Pinger
	server   *http.Server
	auth     *HTTPAuth
	logger   *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, sessions *Registry, records RecordReader, checks map[string]Pinger, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		sessions: sessions,
		records:  records,
		checks:   checks,
		auth:     NewHTTPAuth(cfg),
		logger:   logging.Component(logger, "http"),
	}

	mux := http.NewServeMux()
	srv.routes(mux)
	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	s.handle(mux, "GET /healthz", s.handleHealth)

	s.handle(mux, "POST /api/v1/sessions", s.handleOpenSession)
	s.handle(mux, "DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	s.handle(mux, "POST /api/v1/sessions/{id}/location", s.handleLocation)
	s.handle(mux, "GET /api/v1/sessions/{id}/markers", s.handleMarkers)
	s.handle(mux, "GET /api/v1/sessions/{id}/engagement", s.handleEngagement)
	s.handle(mux, "GET /api/v1/sessions/{id}/notices", s.handleNotices)
	s.handle(mux, "GET /api/v1/sessions/{id}/triggers", s.handleTriggers)

	s.handle(mux, "POST /api/v1/sessions/{id}/requests", s.handleRequest)
	s.handle(mux, "POST /api/v1/sessions/{id}/cancel", s.handleCancel)
	s.handle(mux, "POST /api/v1/sessions/{id}/payment", s.handlePayment)
	s.handle(mux, "POST /api/v1/sessions/{id}/rating", s.handleRating)

	s.handle(mux, "GET /api/v1/sessions/{id}/incoming", s.handleIncoming)
	s.handle(mux, "POST /api/v1/sessions/{id}/accept", s.handleAccept)
	s.handle(mux, "POST /api/v1/sessions/{id}/reject", s.handleReject)
	s.handle(mux, "POST /api/v1/sessions/{id}/finish", s.handleFinish)
	s.handle(mux, "POST /api/v1/sessions/{id}/availability", s.handleAvailability)
	s.handle(mux, "POST /api/v1/sessions/{id}/profile", s.handleProfile)

	s.handle(mux, "GET /api/v1/providers/{id}", s.handleProvider)
	s.handle(mux, "GET /api/v1/bookings/{id}", s.handleBooking)
	s.handle(mux, "GET /api/v1/bookings/{id}/rating", s.handleBookingRating)
	s.handle(mux, "GET /api/v1/repairs/failed", s.handleFailedRepairs)
}

// handle registers h and counts requests per route pattern.
func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		h(w, r)
	})
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	healthy, degraded := true, false
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			healthy = false
			results[name] = err.Error()
			continue
		}
		if d, ok := p.(degrader); ok && d.Degraded() {
			degraded = true
			results[name] = "fallback"
			continue
		}
		results[name] = "ok"
	}

	// a store on its fallback still serves, so only a failed ping is a 503
	code := http.StatusOK
	state := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	} else if degraded {
		state = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": state, "checks": results})
}

// fail writes the mapped status for err and logs store failures.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusBadGateway {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, code, messageFor(err, code))
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDMetadataKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDMetadataKey, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
