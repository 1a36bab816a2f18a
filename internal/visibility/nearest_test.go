package visibility

import (
	"testing"

	"cleandispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	nairobi := models.Coordinates{Lat: -1.2921, Lng: 36.8219}
	westlands := models.Coordinates{Lat: -1.2676, Lng: 36.8108}

	d := Distance(nairobi, westlands)
	assert.InDelta(t, 2990, d, 150)
	assert.Zero(t, Distance(nairobi, nairobi))
}

func TestSortByDistance(t *testing.T) {
	origin := models.Coordinates{Lat: 0, Lng: 0}
	far := rec("far", "F", models.RoleProvider, true, 1, 1)
	near := rec("near", "N", models.RoleProvider, true, 0.01, 0.01)
	nowhere := models.Presence{SessionID: "nowhere", Role: models.RoleProvider}

	got := SortByDistance([]models.Presence{far, nowhere, near}, origin)
	require.Len(t, got, 3)
	assert.Equal(t, "near", got[0].SessionID)
	assert.Equal(t, "far", got[1].SessionID)
	assert.Equal(t, "nowhere", got[2].SessionID)
}

func TestNearestAvailable(t *testing.T) {
	viewer := Viewer{SessionID: "c0", AccountID: "C0", Role: models.RoleCustomer}
	origin := models.Coordinates{Lat: -1.30, Lng: 36.80}

	base := []models.Presence{
		rec("c0", "C0", models.RoleCustomer, false, -1.30, 36.80),
		rec("p1", "P1", models.RoleProvider, true, -1.29, 36.82),
		rec("p2", "P2", models.RoleProvider, true, -1.301, 36.801),
		rec("p3", "P3", models.RoleProvider, false, -1.300, 36.800),
	}

	best, ok := NearestAvailable(base, viewer, origin)
	require.True(t, ok)
	assert.Equal(t, "P2", best.AccountID)

	_, ok = NearestAvailable(base[:1], viewer, origin)
	assert.False(t, ok)

	// an engaged customer only sees its provider
	viewer.EngagedWith = "P1"
	best, ok = NearestAvailable(base, viewer, origin)
	require.True(t, ok)
	assert.Equal(t, "P1", best.AccountID)
}
