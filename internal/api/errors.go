package api

import (
	"errors"
	"net/http"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/lifecycle"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/records"
)

var errBadRequest = errors.New("bad request")

var (
	badRequest = []error{
		errBadRequest,
		lifecycle.ErrNoPosition,
		lifecycle.ErrEmptyName,
		records.ErrInvalidScore,
		records.ErrInvalidAmount,
		records.ErrMissingBooking,
	}
	conflicts = []error{
		lifecycle.ErrNoPendingProposal,
		lifecycle.ErrNoActiveBooking,
		lifecycle.ErrNothingToRate,
		lifecycle.ErrNothingToCancel,
		lifecycle.ErrAlreadyEngaged,
		lifecycle.ErrNoProviderAvailable,
		mailbox.ErrInvalidTransition,
		mailbox.ErrStaleProposal,
		mailbox.ErrSlotOccupied,
		mailbox.ErrConflict,
		records.ErrNotRateable,
		domain.ErrDuplicate,
		domain.ErrInvalidTransition,
		domain.ErrConcurrentModification,
	}
	notFound = []error{
		ErrSessionNotFound,
		mailbox.ErrNoSlot,
		domain.ErrNotFound,
	}
)

func matchesAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// statusFor maps a domain error to its HTTP status. Anything unrecognized is
// a failing store and reported as a bad gateway.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrWrongRole), errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case matchesAny(err, badRequest):
		return http.StatusBadRequest
	case matchesAny(err, notFound):
		return http.StatusNotFound
	case matchesAny(err, conflicts):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// messageFor hides store failures behind a generic message.
func messageFor(err error, code int) string {
	if code == http.StatusBadGateway {
		return "upstream store unavailable"
	}
	return err.Error()
}
