package visibility

import (
	"sort"

	"cleandispatch/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Distance is the great-circle distance in meters between two positions.
func Distance(a, b models.Coordinates) float64 {
	return geo.Distance(point(a), point(b))
}

func point(c models.Coordinates) orb.Point {
	return orb.Point{c.Lng, c.Lat}
}

// SortByDistance returns a copy of recs ordered by distance from origin.
// Records without a position go last.
func SortByDistance(recs []models.Presence, origin models.Coordinates) []models.Presence {
	out := append([]models.Presence(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].HasPosition(), out[j].HasPosition()
		if pi != pj {
			return pi
		}
		if !pi {
			return false
		}
		return Distance(origin, out[i].Position()) < Distance(origin, out[j].Position())
	})
	return out
}

// NearestAvailable picks the closest available provider the viewer can see.
func NearestAvailable(feed []models.Presence, viewer Viewer, origin models.Coordinates) (models.Presence, bool) {
	var best models.Presence
	bestDist := -1.0
	for _, rec := range Visible(feed, viewer) {
		if viewer.IsSelf(rec) || !rec.IsProvider() || !rec.Available {
			continue
		}
		d := Distance(origin, rec.Position())
		if bestDist < 0 || d < bestDist {
			best, bestDist = rec, d
		}
	}
	return best, bestDist >= 0
}
