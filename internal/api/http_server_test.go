package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cleandispatch/internal/config"
	"cleandispatch/internal/database"
	"cleandispatch/internal/events"
	"cleandispatch/internal/lifecycle"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/models"
	"cleandispatch/internal/presence"
	"cleandispatch/internal/rating"
	"cleandispatch/internal/records"
	"cleandispatch/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func fastBackoff(int) time.Duration { return 5 * time.Millisecond }

type testEnv struct {
	ts       *httptest.Server
	db       *database.DB
	sessions *Registry
}

func newTestEnv(t *testing.T, cfg config.APIConfig, checks map[string]Pinger) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zerolog.New(io.Discard)
	store := repository.NewRedisStore(rdb)

	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	mb := mailbox.New(store, mailbox.Options{Backoff: fastBackoff}, &logger)
	synchronizer := records.New(db, mb, rating.NewAggregator(db, &logger), records.Options{DefaultPrice: 500, Events: bus}, &logger)

	sessions := NewRegistry(lifecycle.Deps{
		Presence: presence.NewClient(store, fastBackoff, &logger),
		Mailbox:  mb,
		Records:  synchronizer,
		Events:   bus,
		Logger:   &logger,
	})
	t.Cleanup(func() { sessions.CloseAll(context.Background()) })

	if checks == nil {
		checks = map[string]Pinger{"redis": store, "records": db}
	}
	server := NewHTTPServer(cfg, sessions, db, checks, &logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, db: db, sessions: sessions}
}

func openCfg() config.APIConfig {
	return config.APIConfig{Enabled: true, HTTP: config.APIHTTPConfig{Enabled: true}}
}

// call sends a JSON request as account and decodes the response into out.
func (e *testEnv) call(t *testing.T, method, path, account string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set("X-Account-ID", account)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) open(t *testing.T, account, role string, lat, lng float64) string {
	t.Helper()
	var out struct {
		SessionID string `json:"session_id"`
	}
	code := e.call(t, http.MethodPost, "/api/v1/sessions", account, map[string]any{
		"role":     role,
		"name":     "User " + account,
		"location": map[string]float64{"lat": lat, "lng": lng},
	}, &out)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

func (e *testEnv) engagementStatus(t *testing.T, session, account string) string {
	var out struct {
		Engagement *models.Engagement `json:"engagement"`
	}
	if e.call(t, http.MethodGet, "/api/v1/sessions/"+session+"/engagement", account, nil, &out) != http.StatusOK || out.Engagement == nil {
		return ""
	}
	return out.Engagement.Status
}

func TestHTTPJobRoundTrip(t *testing.T) {
	env := newTestEnv(t, openCfg(), nil)

	provider := env.open(t, "P1", models.RoleProvider, -1.29, 36.82)
	customer := env.open(t, "C1", models.RoleCustomer, -1.30, 36.80)

	require.Eventually(t, func() bool {
		var out struct {
			Markers []models.Presence `json:"markers"`
		}
		env.call(t, http.MethodGet, "/api/v1/sessions/"+customer+"/markers?sort=distance", "C1", nil, &out)
		return len(out.Markers) == 2 && out.Markers[1].AccountID == "P1"
	}, waitFor, tick)

	var req models.Request
	code := env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/requests", "C1", map[string]any{"provider_id": "nearest"}, &req)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "P1", req.ProviderID)
	assert.Equal(t, models.RequestPending, req.Status)

	require.Eventually(t, func() bool {
		var out struct {
			Request *models.Request `json:"request"`
		}
		env.call(t, http.MethodGet, "/api/v1/sessions/"+provider+"/incoming", "P1", nil, &out)
		return out.Request != nil && out.Request.CustomerID == "C1"
	}, waitFor, tick)

	var booking models.Booking
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/accept", "P1", nil, &booking))
	assert.Equal(t, models.StatusAccepted, booking.Status)

	require.Eventually(t, func() bool {
		return env.engagementStatus(t, customer, "C1") == models.RequestAccepted
	}, waitFor, tick)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/finish", "P1", nil, nil))
	require.Eventually(t, func() bool {
		return env.engagementStatus(t, customer, "C1") == models.RequestWaitingForPayment
	}, waitFor, tick)

	var receipt models.Receipt
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/payment", "C1", map[string]any{"amount": 500}, &receipt))
	assert.Equal(t, 500.0, receipt.Amount)
	assert.Equal(t, booking.ID, receipt.BookingID)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/rating", "C1", map[string]any{"score": 5, "comment": "spotless"}, nil))

	var profile models.ProviderProfile
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/providers/P1", "", nil, &profile))
	assert.Equal(t, 5.0, profile.AverageRating)
	assert.Equal(t, 1, profile.RatingCount)
	assert.Equal(t, 1, profile.CompletedJobs)

	var stored models.Booking
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/bookings/"+booking.ID, "", nil, &stored))
	assert.Equal(t, models.StatusClosed, stored.Status)

	var rated models.Rating
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/bookings/"+booking.ID+"/rating", "", nil, &rated))
	assert.Equal(t, 5, rated.Score)
	assert.Equal(t, "spotless", rated.Comment)
	assert.Equal(t, "C1", rated.CustomerID)

	var notices struct {
		Notices []models.Notice `json:"notices"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/sessions/"+customer+"/notices", "C1", nil, &notices))
	assert.NotEmpty(t, notices.Notices)
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/sessions/"+customer+"/notices", "C1", nil, &notices))
	assert.Empty(t, notices.Notices)

	assert.Equal(t, http.StatusNoContent, env.call(t, http.MethodDelete, "/api/v1/sessions/"+provider, "P1", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/v1/sessions/"+provider+"/engagement", "P1", nil, nil))
}

func TestHTTPErrorMapping(t *testing.T) {
	env := newTestEnv(t, openCfg(), nil)

	// providers are addressed by account
	code := env.call(t, http.MethodPost, "/api/v1/sessions", "", map[string]any{"role": models.RoleProvider}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code = env.call(t, http.MethodPost, "/api/v1/sessions", "X", map[string]any{"role": "janitor"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = env.call(t, http.MethodPost, "/api/v1/sessions", "X", map[string]any{"role": "customer", "bogus": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	anon := env.open(t, "", models.RoleCustomer, -1.30, 36.80)
	code = env.call(t, http.MethodPost, "/api/v1/sessions/"+anon+"/requests", "", map[string]any{"provider_id": "P1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	customer := env.open(t, "C1", models.RoleCustomer, -1.30, 36.80)
	assert.Equal(t, http.StatusForbidden, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/accept", "C1", nil, nil))
	assert.Equal(t, http.StatusForbidden, env.call(t, http.MethodGet, "/api/v1/sessions/"+customer+"/markers", "C2", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/v1/sessions/missing/markers", "C1", nil, nil))

	assert.Equal(t, http.StatusBadRequest, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/payment", "C1", map[string]any{"amount": 0}, nil))
	assert.Equal(t, http.StatusConflict, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/payment", "C1", map[string]any{"amount": 100}, nil))
	assert.Equal(t, http.StatusConflict, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/rating", "C1", map[string]any{"score": 4}, nil))
	assert.Equal(t, http.StatusConflict, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/requests", "C1", map[string]any{"nearest": true}, nil))
	assert.Equal(t, http.StatusBadRequest, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/requests", "C1", map[string]any{}, nil))
	assert.Equal(t, http.StatusBadRequest, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/location", "C1", map[string]any{"lat": 1}, nil))

	provider := env.open(t, "P1", models.RoleProvider, -1.29, 36.82)
	assert.Equal(t, http.StatusConflict, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/accept", "P1", nil, nil))
	assert.Equal(t, http.StatusForbidden, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/payment", "P1", map[string]any{"amount": 1}, nil))

	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/v1/bookings/nope", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/v1/providers/nope", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/v1/bookings/nope/rating", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/profile", "P1", map[string]any{"name": "  "}, nil))
}

func TestHTTPProviderProfileOnOpen(t *testing.T) {
	env := newTestEnv(t, openCfg(), nil)

	provider := env.open(t, "P1", models.RoleProvider, -1.29, 36.82)

	// the profile exists before any rating
	var profile models.ProviderProfile
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/providers/P1", "", nil, &profile))
	assert.Equal(t, "User P1", profile.DisplayName)
	assert.Zero(t, profile.RatingCount)

	require.Equal(t, http.StatusNoContent, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/profile", "P1", map[string]any{"name": "Baraka Cleaners"}, nil))
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/providers/P1", "", nil, &profile))
	assert.Equal(t, "Baraka Cleaners", profile.DisplayName)

	customer := env.open(t, "C1", models.RoleCustomer, -1.30, 36.80)
	require.Eventually(t, func() bool {
		var out struct {
			Markers []models.Presence `json:"markers"`
		}
		env.call(t, http.MethodGet, "/api/v1/sessions/"+customer+"/markers", "C1", nil, &out)
		for _, m := range out.Markers {
			if m.AccountID == "P1" && m.DisplayName == "Baraka Cleaners" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	// customers can rename on the feed too; they have no profile
	assert.Equal(t, http.StatusNoContent, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/profile", "C1", map[string]any{"name": "Amina"}, nil))
	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/v1/providers/C1", "", nil, nil))
}

func TestHTTPRejectAndAvailability(t *testing.T) {
	env := newTestEnv(t, openCfg(), nil)

	provider := env.open(t, "P1", models.RoleProvider, -1.29, 36.82)
	customer := env.open(t, "C1", models.RoleCustomer, -1.30, 36.80)

	require.Equal(t, http.StatusCreated, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/requests", "C1", map[string]any{"provider_id": "P1"}, nil))
	require.Eventually(t, func() bool {
		var out struct {
			Request *models.Request `json:"request"`
		}
		env.call(t, http.MethodGet, "/api/v1/sessions/"+provider+"/incoming", "P1", nil, &out)
		return out.Request != nil
	}, waitFor, tick)

	assert.Equal(t, http.StatusNoContent, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/reject", "P1", nil, nil))
	require.Eventually(t, func() bool {
		return env.engagementStatus(t, customer, "C1") == ""
	}, waitFor, tick)

	assert.Equal(t, http.StatusBadRequest, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/availability", "P1", map[string]any{}, nil))
	assert.Equal(t, http.StatusNoContent, env.call(t, http.MethodPost, "/api/v1/sessions/"+provider+"/availability", "P1", map[string]any{"available": false}, nil))
	assert.Equal(t, http.StatusNoContent, env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/location", "C1", map[string]any{"lat": -1.31, "lng": 36.81}, nil))

	// the only provider paused, so nobody is nearby
	require.Eventually(t, func() bool {
		return env.call(t, http.MethodPost, "/api/v1/sessions/"+customer+"/requests", "C1", map[string]any{"nearest": true}, nil) == http.StatusConflict
	}, waitFor, tick)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

// fallbackPinger answers pings while serving from its fallback.
type fallbackPinger struct{ okPinger }

func (fallbackPinger) Degraded() bool { return true }

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, openCfg(), nil)

	var out struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/healthz", "", nil, &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "ok", out.Checks["redis"])
	assert.Equal(t, "ok", out.Checks["records"])

	degraded := newTestEnv(t, openCfg(), map[string]Pinger{"redis": failingPinger{}})
	assert.Equal(t, http.StatusServiceUnavailable, degraded.call(t, http.MethodGet, "/healthz", "", nil, nil))

	fallback := newTestEnv(t, openCfg(), map[string]Pinger{"redis": fallbackPinger{}, "records": okPinger{}})
	require.Equal(t, http.StatusOK, fallback.call(t, http.MethodGet, "/healthz", "", nil, &out))
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, "fallback", out.Checks["redis"])
	assert.Equal(t, "ok", out.Checks["records"])
}

func TestFailedRepairsListing(t *testing.T) {
	env := newTestEnv(t, openCfg(), nil)
	ctx := context.Background()

	w := &models.PendingWrite{Kind: models.WriteMailboxStamp, BookingID: "B1", ProviderID: "P1"}
	require.NoError(t, env.db.CreatePendingWrite(ctx, w))
	require.NoError(t, env.db.UpdatePendingWriteStatus(ctx, w.ID, models.WriteFailed, "redis down", nil))

	var out struct {
		Writes []models.PendingWrite `json:"writes"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/repairs/failed", "", nil, &out))
	require.Len(t, out.Writes, 1)
	assert.Equal(t, w.ID, out.Writes[0].ID)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		lifecycle.ErrNoIdentity:                             http.StatusUnauthorized,
		lifecycle.ErrWrongRole:                              http.StatusForbidden,
		ErrNotOwner:                                         http.StatusForbidden,
		records.ErrInvalidScore:                             http.StatusBadRequest,
		ErrSessionNotFound:                                  http.StatusNotFound,
		database.ErrNotFound:                                http.StatusNotFound,
		mailbox.ErrStaleProposal:                            http.StatusConflict,
		database.ErrAlreadyRated:                            http.StatusConflict,
		errors.New("dial tcp: connection refused"):          http.StatusBadGateway,
		errors.Join(lifecycle.ErrNoPendingProposal, io.EOF): http.StatusConflict,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
	assert.Equal(t, "upstream store unavailable", messageFor(errors.New("secret dsn"), http.StatusBadGateway))
}
