package visibility

import (
	"fmt"
	"testing"

	"cleandispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(session, account, role string, available bool, lat, lng float64) models.Presence {
	p := models.Presence{SessionID: session, AccountID: account, Role: role, Available: available}
	p.SetPosition(models.Coordinates{Lat: lat, Lng: lng})
	return p
}

// feed builds n available providers, m busy providers and k other customers
// around a customer C0 in session c0.
func feed(n, m, k int) []models.Presence {
	var out []models.Presence
	out = append(out, rec("c0", "C0", models.RoleCustomer, false, -1.30, 36.80))
	for i := 0; i < n; i++ {
		out = append(out, rec(fmt.Sprintf("pa%d", i), fmt.Sprintf("PA%d", i), models.RoleProvider, true, -1.29, 36.82+float64(i)/100))
	}
	for i := 0; i < m; i++ {
		out = append(out, rec(fmt.Sprintf("pb%d", i), fmt.Sprintf("PB%d", i), models.RoleProvider, false, -1.28, 36.81))
	}
	for i := 0; i < k; i++ {
		out = append(out, rec(fmt.Sprintf("c%d", i+1), fmt.Sprintf("C%d", i+1), models.RoleCustomer, false, -1.31, 36.79))
	}
	return out
}

func TestCustomerVisibility(t *testing.T) {
	tests := []struct{ n, m, k int }{{0, 0, 0}, {1, 0, 0}, {3, 2, 4}, {5, 5, 5}}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,m=%d,k=%d", tt.n, tt.m, tt.k), func(t *testing.T) {
			viewer := Viewer{SessionID: "c0", AccountID: "C0", Role: models.RoleCustomer}
			got := Visible(feed(tt.n, tt.m, tt.k), viewer)
			assert.Len(t, got, tt.n+1)
		})
	}

	t.Run("EngagedSeesOnlyProvider", func(t *testing.T) {
		viewer := Viewer{SessionID: "c0", AccountID: "C0", Role: models.RoleCustomer, EngagedWith: "PB1"}
		got := Visible(feed(3, 2, 4), viewer)
		require.Len(t, got, 2)
		assert.Equal(t, "c0", got[0].SessionID)
		assert.Equal(t, "PB1", got[1].AccountID)
	})

	t.Run("EngagementMatchesSessionID", func(t *testing.T) {
		viewer := Viewer{AccountID: "C0", Role: models.RoleCustomer, EngagedWith: "pa0"}
		got := Visible(feed(3, 0, 0), viewer)
		assert.Len(t, got, 2)
	})
}

func TestProviderVisibility(t *testing.T) {
	base := feed(3, 2, 4)

	t.Run("NothingButSelf", func(t *testing.T) {
		viewer := Viewer{SessionID: "pa0", AccountID: "PA0", Role: models.RoleProvider}
		got := Visible(base, viewer)
		require.Len(t, got, 1)
		assert.Equal(t, "pa0", got[0].SessionID)
	})

	t.Run("PendingProposal", func(t *testing.T) {
		viewer := Viewer{SessionID: "pa0", AccountID: "PA0", Role: models.RoleProvider, ProposalFrom: "C2"}
		got := Visible(base, viewer)
		require.Len(t, got, 2)
		assert.Equal(t, "C2", got[1].AccountID)
	})

	t.Run("ActiveBooking", func(t *testing.T) {
		viewer := Viewer{SessionID: "pa0", AccountID: "PA0", Role: models.RoleProvider, EngagedWith: "C0"}
		got := Visible(base, viewer)
		assert.Len(t, got, 2)
	})

	t.Run("UnrelatedAccountsHidden", func(t *testing.T) {
		viewer := Viewer{SessionID: "pa0", AccountID: "PA0", Role: models.RoleProvider, ProposalFrom: "C9"}
		got := Visible(base, viewer)
		assert.Len(t, got, 1)
	})
}

func TestViewerVisibility(t *testing.T) {
	base := append(feed(3, 2, 4), rec("v1", "V1", models.RoleViewer, false, 0, 0))

	got := Visible(base, Viewer{SessionID: "v1", AccountID: "V1", Role: models.RoleViewer})
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].SessionID)

	got = Visible(base, Viewer{SessionID: "anon", Role: models.RoleViewer})
	assert.Empty(t, got)
}

func TestMalformedRecordsDropped(t *testing.T) {
	noPos := models.Presence{SessionID: "p9", AccountID: "P9", Role: models.RoleProvider, Available: true}
	noRole := rec("p8", "P8", "", true, 1, 1)
	base := append(feed(1, 0, 0), noPos, noRole)

	got := Visible(base, Viewer{SessionID: "c0", AccountID: "C0", Role: models.RoleCustomer})
	assert.Len(t, got, 2)
}

func TestSelfMatchesAccountAcrossSessions(t *testing.T) {
	base := []models.Presence{
		rec("tab1", "C0", models.RoleCustomer, false, 1, 1),
		rec("tab2", "C0", models.RoleCustomer, false, 1, 1),
	}
	got := Visible(base, Viewer{SessionID: "tab1", AccountID: "C0", Role: models.RoleCustomer})
	assert.Len(t, got, 2)
}
