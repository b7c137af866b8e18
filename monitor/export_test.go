package monitor

import "github.com/fieldlink/ddil-go/link"

// InstantScore exposes the per-sample normalization for tests.
func (m *Monitor) InstantScore(q link.Quality) float64 {
	return m.instantScore(q)
}
