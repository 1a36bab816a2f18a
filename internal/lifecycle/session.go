// Package lifecycle runs the per-session reactors that interpret mailbox
// transitions for customers and providers and drive the record synchronizer.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/events"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/models"
	"cleandispatch/internal/presence"
	"cleandispatch/internal/records"
	"cleandispatch/internal/visibility"

	"github.com/rs/zerolog"
)

var (
	ErrNoIdentity          = errors.New("an account is required for this action")
	ErrWrongRole           = errors.New("action not available for this role")
	ErrNoPendingProposal   = errors.New("no pending request to answer")
	ErrNoActiveBooking     = errors.New("no active booking")
	ErrNothingToRate       = errors.New("nothing to rate")
	ErrNothingToCancel     = errors.New("nothing to cancel")
	ErrAlreadyEngaged      = errors.New("already engaged with a provider")
	ErrNoPosition          = errors.New("own position is unknown")
	ErrNoProviderAvailable = errors.New("no available provider nearby")
	ErrEmptyName           = errors.New("display name is required")
)

// Deps are the collaborators shared by every hosted session.
type Deps struct {
	Presence *presence.Client
	Mailbox  *mailbox.Mailbox
	Records  *records.Synchronizer
	Events   domain.EventPublisher
	Logger   *zerolog.Logger
}

// Session is a participant's presence plus the state derived from the feed.
// Viewers use it directly; customers and providers embed it.
type Session struct {
	deps   Deps
	self   *presence.Broadcaster
	logger *zerolog.Logger

	mu         sync.Mutex
	feed       []models.Presence
	engagement *models.Engagement
	incoming   *models.Request
	notices    []models.Notice
	triggers   []models.Trigger
	seen       map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(deps Deps, rec models.Presence) *Session {
	logger := logging.Component(deps.Logger, "lifecycle").With().
		Str("session_id", rec.SessionID).
		Str("role", rec.Role).
		Logger()
	return &Session{
		deps:   deps,
		self:   presence.NewBroadcaster(deps.Presence, rec),
		logger: &logger,
		seen:   make(map[string]struct{}),
	}
}

// NewViewerSession hosts an observer that only shares its own presence.
func NewViewerSession(deps Deps, rec models.Presence) (*Session, error) {
	rec.Role = models.RoleViewer
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.Available = false
	return newSession(deps, rec), nil
}

// Start announces the session and follows the feed until Stop.
func (s *Session) Start(ctx context.Context) error {
	return s.start(ctx, nil)
}

func (s *Session) start(ctx context.Context, reactor func(ctx context.Context)) error {
	if err := s.self.Announce(ctx); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deps.Presence.Subscribe(runCtx, s.onFeed)
	}()
	if reactor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			reactor(runCtx)
		}()
	}
	s.logger.Info().Msg("Session started")
	return nil
}

// Rename changes the display name the session shows on the feed.
func (s *Session) Rename(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return s.self.Rename(ctx, name)
}

// Stop ends the subscriptions and retracts the presence record.
func (s *Session) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.self.Stop(ctx); err != nil {
		return fmt.Errorf("failed to retract presence: %w", err)
	}
	s.logger.Info().Msg("Session stopped")
	return nil
}

func (s *Session) Record() models.Presence {
	return s.self.Record()
}

func (s *Session) ID() string {
	return s.self.Record().SessionID
}

func (s *Session) AccountID() string {
	return s.self.Record().AccountID
}

func (s *Session) Role() string {
	return s.self.Record().Role
}

// UpdateLocation publishes a new position for the session.
func (s *Session) UpdateLocation(ctx context.Context, pos models.Coordinates) error {
	return s.self.UpdateLocation(ctx, pos)
}

// Track publishes position samples until the channel closes.
func (s *Session) Track(ctx context.Context, samples <-chan models.Coordinates) {
	s.self.Track(ctx, samples)
}

func (s *Session) onFeed(feed []models.Presence) {
	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()
}

// viewer describes the session for visibility; callers hold mu.
func (s *Session) viewerLocked() visibility.Viewer {
	rec := s.self.Record()
	v := visibility.Viewer{SessionID: rec.SessionID, AccountID: rec.AccountID, Role: rec.Role}
	if s.engagement != nil {
		if rec.Role == models.RoleProvider {
			v.EngagedWith = s.engagement.CustomerID
		} else {
			v.EngagedWith = s.engagement.ProviderID
		}
	}
	if s.incoming != nil {
		v.ProposalFrom = s.incoming.CustomerID
	}
	return v
}

// Markers returns the feed records this session may see, optionally
// ordered by distance from its own position.
func (s *Session) Markers(byDistance bool) []models.Presence {
	s.mu.Lock()
	visible := visibility.Visible(s.feed, s.viewerLocked())
	s.mu.Unlock()

	rec := s.self.Record()
	if byDistance && rec.HasPosition() {
		return visibility.SortByDistance(visible, rec.Position())
	}
	return visible
}

// Engagement returns a copy of the current engagement, or nil.
func (s *Session) Engagement() *models.Engagement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engagement == nil {
		return nil
	}
	e := *s.engagement
	return &e
}

// DrainNotices returns and forgets the queued notices.
func (s *Session) DrainNotices() []models.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

// Triggers returns the flows the client should open.
func (s *Session) Triggers() []models.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Trigger(nil), s.triggers...)
}

// effect is work decided under mu and run after it is released.
type effect func(ctx context.Context)

func (s *Session) run(ctx context.Context, effects []effect) {
	for _, fn := range effects {
		fn(ctx)
	}
}

// noticeLocked queues a notice once per key.
func (s *Session) noticeLocked(key, title, body, severity string) effect {
	if key != "" {
		if _, ok := s.seen[key]; ok {
			return nil
		}
		s.seen[key] = struct{}{}
	}
	n := models.Notice{Title: title, Body: body, Severity: severity, CreatedAt: time.Now().UTC()}
	s.notices = append(s.notices, n)

	rec := s.self.Record()
	return func(context.Context) {
		s.publish(events.EventNotice, events.NoticePayload{
			AccountID: rec.AccountID,
			SessionID: rec.SessionID,
			Title:     n.Title,
			Body:      n.Body,
			Severity:  n.Severity,
		})
	}
}

// setTriggerLocked replaces the pending trigger list with t, or clears it.
func (s *Session) setTriggerLocked(t *models.Trigger) effect {
	if t == nil {
		s.triggers = nil
		return nil
	}
	for _, cur := range s.triggers {
		if cur.Kind == t.Kind && cur.BookingID == t.BookingID {
			return nil
		}
	}
	t.CreatedAt = time.Now().UTC()
	s.triggers = []models.Trigger{*t}

	account := s.self.Record().AccountID
	trigger := *t
	return func(context.Context) {
		s.publish(events.EventTrigger, events.TriggerPayload{
			AccountID:  account,
			Kind:       trigger.Kind,
			BookingID:  trigger.BookingID,
			ProviderID: trigger.ProviderID,
		})
	}
}

func (s *Session) publish(eventType string, payload interface{}) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

func (s *Session) requireIdentity() (string, error) {
	account := s.AccountID()
	if account == "" {
		return "", ErrNoIdentity
	}
	return account, nil
}

// reactionKey identifies one observed slot state.
// clearSettled removes a declined or cancelled slot after this session has
// reacted to it, so later sessions do not replay the outcome.
func (s *Session) clearSettled(req *models.Request) effect {
	settled := req.Clone()
	return func(ctx context.Context) {
		if _, err := s.deps.Mailbox.ClearSettled(ctx, settled); err != nil {
			s.logger.Warn().Err(err).Str("provider_id", settled.ProviderID).Msg("Failed to clear settled request")
		}
	}
}

// reactionKey names one state of one proposal. Versions restart once a
// settled slot is cleared, so the proposal's creation time is part of it.
func reactionKey(req *models.Request) string {
	return fmt.Sprintf("%s/%d/%d/%s", req.ProviderID, req.CreatedAt.UnixNano(), req.Version, req.Status)
}

func compact(effects ...effect) []effect {
	out := effects[:0]
	for _, e := range effects {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
