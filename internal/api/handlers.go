package api

import (
	"net/http"
	"strings"

	"cleandispatch/internal/models"
)

// session resolves the {id} path segment for the calling account.
func (s *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*Hosted, bool) {
	h, err := s.sessions.Get(r.PathValue("id"), AccountFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return h, true
}

func (s *HTTPServer) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.AccountID = AccountFrom(r.Context())

	h, err := s.sessions.Open(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": h.ID(),
		"role":       h.Role(),
		"account_id": h.AccountID(),
	})
}

func (s *HTTPServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id"), AccountFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleLocation(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Lat == nil || body.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	if err := h.UpdateLocation(r.Context(), models.Coordinates{Lat: *body.Lat, Lng: *body.Lng}); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleMarkers(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	byDistance := strings.EqualFold(r.URL.Query().Get("sort"), "distance")
	markers := h.Markers(byDistance)
	if markers == nil {
		markers = []models.Presence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markers": markers})
}

func (s *HTTPServer) handleEngagement(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engagement": h.Engagement()})
}

func (s *HTTPServer) handleNotices(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	notices := h.DrainNotices()
	if notices == nil {
		notices = []models.Notice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

func (s *HTTPServer) handleTriggers(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	triggers := h.Triggers()
	if triggers == nil {
		triggers = []models.Trigger{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *HTTPServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := h.asCustomer()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		ProviderID string `json:"provider_id"`
		Nearest    bool   `json:"nearest"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	providerID := strings.TrimSpace(body.ProviderID)
	var req *models.Request
	switch {
	case body.Nearest || providerID == "nearest":
		req, err = c.RequestNearest(r.Context())
	case providerID != "":
		req, err = c.RequestProvider(r.Context(), providerID)
	default:
		writeError(w, http.StatusBadRequest, "provider_id or nearest is required")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	var err error
	switch {
	case h.customer != nil:
		err = h.customer.Cancel(r.Context(), body.Reason)
	case h.provider != nil:
		err = h.provider.Cancel(r.Context(), body.Reason)
	default:
		_, err = h.asCustomer()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePayment(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := h.asCustomer()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	receipt, err := c.Pay(r.Context(), body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *HTTPServer) handleRating(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := h.asCustomer()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	booking, err := c.Rate(r.Context(), body.Score, body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleIncoming(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	p, err := h.asProvider()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": p.Incoming()})
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	p, err := h.asProvider()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	booking, err := p.Accept(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	p, err := h.asProvider()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := p.Reject(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFinish(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	p, err := h.asProvider()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	booking, err := p.Finish(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	p, err := h.asProvider()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Available == nil {
		writeError(w, http.StatusBadRequest, "available is required")
		return
	}
	if err := p.SetAvailable(r.Context(), *body.Available); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	h, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	var err error
	if h.provider != nil {
		err = h.provider.Rename(r.Context(), body.Name)
	} else {
		err = h.Rename(r.Context(), body.Name)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleProvider(w http.ResponseWriter, r *http.Request) {
	profile, err := s.records.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) handleBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.records.GetBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleBookingRating(w http.ResponseWriter, r *http.Request) {
	rating, err := s.records.GetRatingByBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *HTTPServer) handleFailedRepairs(w http.ResponseWriter, r *http.Request) {
	writes, err := s.records.GetFailedPendingWrites(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if writes == nil {
		writes = []*models.PendingWrite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"writes": writes})
}
