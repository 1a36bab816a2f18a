package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cleandispatch/internal/lifecycle"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/metrics"
	"cleandispatch/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotOwner        = errors.New("session belongs to another account")
)

// Hosted is a running session. Exactly one of customer and provider is set
// for participants; viewers have neither.
type Hosted struct {
	*lifecycle.Session
	customer *lifecycle.CustomerSession
	provider *lifecycle.ProviderSession
}

// OpenRequest describes a session a thin client wants hosted.
type OpenRequest struct {
	Role      string              `json:"role"`
	Name      string              `json:"name"`
	DeviceID  string              `json:"device_id"`
	Location  *models.Coordinates `json:"location,omitempty"`
	AccountID string              `json:"-"`
}

// Registry hosts the sessions of thin clients in this process.
type Registry struct {
	deps   lifecycle.Deps
	logger *zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Hosted
}

func NewRegistry(deps lifecycle.Deps) *Registry {
	return &Registry{
		deps:     deps,
		logger:   logging.Component(deps.Logger, "sessions"),
		sessions: make(map[string]*Hosted),
	}
}

// Open builds and starts a session for req.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*Hosted, error) {
	rec := models.Presence{
		SessionID:   uuid.NewString(),
		DeviceID:    strings.TrimSpace(req.DeviceID),
		AccountID:   strings.TrimSpace(req.AccountID),
		Role:        strings.TrimSpace(req.Role),
		DisplayName: strings.TrimSpace(req.Name),
	}
	if req.Location != nil {
		rec.SetPosition(*req.Location)
	}

	h := &Hosted{}
	var start func(context.Context) error
	switch rec.Role {
	case models.RoleCustomer:
		c, err := lifecycle.NewCustomerSession(r.deps, rec)
		if err != nil {
			return nil, err
		}
		h.Session, h.customer, start = c.Session, c, c.Start
	case models.RoleProvider:
		p, err := lifecycle.NewProviderSession(r.deps, rec)
		if err != nil {
			return nil, err
		}
		h.Session, h.provider, start = p.Session, p, p.Start
	case models.RoleViewer:
		v, err := lifecycle.NewViewerSession(r.deps, rec)
		if err != nil {
			return nil, err
		}
		h.Session, start = v, v.Start
	default:
		return nil, fmt.Errorf("%w: unknown role %q", errBadRequest, rec.Role)
	}

	if err := start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[h.ID()] = h
	r.mu.Unlock()
	metrics.SessionOpened()

	r.logger.Info().Str("session_id", h.ID()).Str("role", h.Role()).Str("account_id", h.AccountID()).Msg("Session opened")
	return h, nil
}

// Get returns the session if accountID may act on it. Sessions opened with
// an account are reserved to that account.
func (r *Registry) Get(id, accountID string) (*Hosted, error) {
	r.mu.RLock()
	h, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if owner := h.AccountID(); owner != "" && owner != accountID {
		return nil, ErrNotOwner
	}
	return h, nil
}

// Close stops the session and forgets it.
func (r *Registry) Close(ctx context.Context, id, accountID string) error {
	h, err := r.Get(id, accountID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	metrics.SessionClosed()

	return h.Stop(ctx)
}

// CloseAll stops every hosted session.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Hosted)
	r.mu.Unlock()

	for id, h := range all {
		metrics.SessionClosed()
		if err := h.Stop(ctx); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to stop session")
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (h *Hosted) asCustomer() (*lifecycle.CustomerSession, error) {
	if h.customer == nil {
		return nil, lifecycle.ErrWrongRole
	}
	return h.customer, nil
}

func (h *Hosted) asProvider() (*lifecycle.ProviderSession, error) {
	if h.provider == nil {
		return nil, lifecycle.ErrWrongRole
	}
	return h.provider, nil
}
