// Package visibility decides which presence records a session may see.
package visibility

import (
	"cleandispatch/internal/models"
)

// Viewer describes the session looking at the feed.
type Viewer struct {
	SessionID string
	AccountID string
	Role      string
	// EngagedWith names the counterpart of an active engagement.
	EngagedWith string
	// ProposalFrom names the customer with a pending proposal toward a provider.
	ProposalFrom string
}

// IsSelf reports whether rec belongs to the viewer.
func (v Viewer) IsSelf(rec models.Presence) bool {
	if v.SessionID != "" && rec.SessionID == v.SessionID {
		return true
	}
	return v.AccountID != "" && rec.AccountID == v.AccountID
}

// Visible returns the records the viewer may see, in feed order.
// Records without a role or a position are dropped.
func Visible(feed []models.Presence, viewer Viewer) []models.Presence {
	out := make([]models.Presence, 0, len(feed))
	for _, rec := range feed {
		if rec.Role == "" || !rec.HasPosition() {
			continue
		}
		if Allowed(rec, viewer) {
			out = append(out, rec)
		}
	}
	return out
}

// Allowed applies the visibility rules to one record. The first matching
// rule decides.
func Allowed(rec models.Presence, viewer Viewer) bool {
	if viewer.IsSelf(rec) {
		return true
	}

	switch viewer.Role {
	case models.RoleCustomer:
		if !rec.IsProvider() {
			return false
		}
		if viewer.EngagedWith != "" {
			return rec.Matches(viewer.EngagedWith)
		}
		return rec.Available
	case models.RoleProvider:
		return rec.Matches(viewer.ProposalFrom) || rec.Matches(viewer.EngagedWith)
	default:
		return false
	}
}
