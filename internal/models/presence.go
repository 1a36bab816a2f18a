package models

import (
	"errors"
	"strings"
	"time"
)

// Coordinates is a WGS84 position sample.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Presence is one participant session's live record on the shared feed.
type Presence struct {
	SessionID   string    `json:"sessionId"`
	DeviceID    string    `json:"deviceId,omitempty"`
	AccountID   string    `json:"accountId,omitempty"`
	Role        string    `json:"role"`
	DisplayName string    `json:"displayName,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lng         *float64  `json:"lng,omitempty"`
	Available   bool      `json:"available"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasPosition reports whether both coordinates are present.
func (p Presence) HasPosition() bool {
	return p.Lat != nil && p.Lng != nil
}

// Position returns the coordinates. Callers check HasPosition first.
func (p Presence) Position() Coordinates {
	if !p.HasPosition() {
		return Coordinates{}
	}
	return Coordinates{Lat: *p.Lat, Lng: *p.Lng}
}

// SetPosition stores a copy of c.
func (p *Presence) SetPosition(c Coordinates) {
	lat, lng := c.Lat, c.Lng
	p.Lat = &lat
	p.Lng = &lng
}

// IsProvider reports whether the record belongs to a cleaner.
func (p Presence) IsProvider() bool {
	return p.Role == RoleProvider
}

// Matches reports whether id names this record by account or session.
func (p Presence) Matches(id string) bool {
	if id == "" {
		return false
	}
	return p.AccountID == id || p.SessionID == id
}

// Validate checks the fields a publisher must always supply.
func (p Presence) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return errors.New("session id is required")
	}
	if !ValidRole(p.Role) {
		return errors.New("unknown role: " + p.Role)
	}
	return nil
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleCustomer, RoleProvider, RoleViewer:
		return true
	}
	return false
}

// StoreKey normalizes an identifier for use as a store key segment.
// Dots are not allowed in document store paths.
func StoreKey(id string) string {
	return strings.ReplaceAll(id, ".", "_")
}
