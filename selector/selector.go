// Package selector ranks link health snapshots and decides which link
// should carry traffic. It applies a stability bias and hysteresis so two
// near-equal links never cause oscillation.
package selector

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/log"
)

// Decision is one path selection outcome. A Decision with an empty
// ChosenLink means no path is usable. History is kept by the telemetry
// layer only; control logic never looks back.
type Decision struct {
	ID           uuid.UUID
	ChosenLink   link.ID
	PreviousLink link.ID
	Reason       string
	Timestamp    time.Time
}

// NoPath reports whether the decision leaves the controller without an
// active link.
func (d Decision) NoPath() bool {
	return d.ChosenLink == ""
}

// LinkSnapshot is the read-only view of one link the selector scores.
// Owned by the link monitor; the selector never mutates it.
type LinkSnapshot struct {
	ID             link.ID
	Kind           link.Kind
	State          link.State
	Quality        float64
	PriorityWeight float64
	// Priority is the numeric transport priority used as a tie-break;
	// lower wins.
	Priority int
}

func (s LinkSnapshot) score() float64 {
	return s.Quality * s.PriorityWeight
}

// Config holds the selector tunables. Zero values are replaced with
// defaults by New.
type Config struct {
	// Epsilon is the score band within which two links count as equal;
	// the active link (or the lower transport priority) wins ties.
	// Default 0.05.
	Epsilon float64
	// Margin is how much a challenger must beat the active link's score
	// by before a switch is even considered. Default 0.15.
	Margin float64
	// DwellTime is how long the margin must be sustained before a switch
	// is proposed. Default 2s.
	DwellTime time.Duration
	// PrecacheBelow enables predictive pre-caching: when the active
	// link's quality falls under this threshold the controller is advised
	// to start mirroring accepted writes into the disconnection cache
	// ahead of a likely outage. Zero disables the policy.
	PrecacheBelow float64

	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.Epsilon == 0 {
		c.Epsilon = 0.05
	}
	if c.Margin == 0 {
		c.Margin = 0.15
	}
	if c.DwellTime == 0 {
		c.DwellTime = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return c
}

// Selector holds the dwell bookkeeping between calls. It is not safe for
// concurrent use; the orchestrator calls it from its single control loop.
type Selector struct {
	cfg Config

	candidateID    link.ID
	candidateSince time.Time
	graceUntil     time.Time
}

// New returns a Selector with defaults applied.
func New(cfg Config) *Selector {
	return &Selector{cfg: cfg.withDefaults()}
}

// Select scores the snapshot against the current active link and returns
// a Decision when a change is called for, or nil to keep the status quo.
// The second return value advises predictive pre-caching for the active
// link.
//
// Eligibility: UP links only; DEGRADED links only when no UP link exists;
// DOWN links never. A switch away from a healthy active link requires the
// challenger to beat it by Margin for DwellTime; losing the active link
// switches (or yields no-path) immediately.
//
// An initial selection opens a grace window of one DwellTime during which
// a link that scores more than Epsilon above the chosen one takes over
// without the full margin. The first selection often runs before every
// link has reported in; without the window, arrival order would pin a
// second-best link behind the hysteresis.
func (s *Selector) Select(now time.Time, current link.ID, snapshot []LinkSnapshot) (*Decision, bool) {
	eligible := eligibleLinks(snapshot)

	if len(eligible) == 0 {
		s.resetCandidate()
		if current == "" {
			return nil, false
		}
		return s.decision(now, "", current, "no eligible link"), false
	}

	best := s.pickBest(current, eligible)

	cur, curEligible := findSnapshot(eligible, current)
	if !curEligible {
		// No active link, or the active link fell out of the eligible
		// set: take the best immediately, no dwell.
		s.resetCandidate()
		reason := "initial selection"
		if current != "" {
			reason = "active link unavailable"
		} else {
			s.graceUntil = now.Add(s.cfg.DwellTime)
		}
		return s.decision(now, best.ID, current, reason), false
	}

	precache := s.cfg.PrecacheBelow > 0 && cur.Quality < s.cfg.PrecacheBelow

	if best.ID == current {
		s.resetCandidate()
		return nil, precache
	}

	if now.Before(s.graceUntil) {
		// best != current already means the active link lost the epsilon
		// tie, so the better link takes over immediately.
		s.resetCandidate()
		return s.decision(now, best.ID, current, "initial selection refined"), precache
	}

	delta := best.score() - cur.score()
	if delta < s.cfg.Margin {
		// Stability bias and hysteresis: a challenger inside the margin
		// never unseats a healthy active link.
		s.resetCandidate()
		return nil, precache
	}

	if s.candidateID != best.ID {
		s.candidateID = best.ID
		s.candidateSince = now
		return nil, precache
	}
	if now.Sub(s.candidateSince) < s.cfg.DwellTime {
		return nil, precache
	}

	s.resetCandidate()
	return s.decision(now, best.ID, current, "score margin sustained"), precache
}

// pickBest returns the top-scoring eligible link. Links within Epsilon of
// the top score count as tied: the current active link wins a tie, else
// the lowest numeric transport priority.
func (s *Selector) pickBest(current link.ID, eligible []LinkSnapshot) LinkSnapshot {
	maxScore := eligible[0].score()
	for _, l := range eligible[1:] {
		if l.score() > maxScore {
			maxScore = l.score()
		}
	}

	best := LinkSnapshot{Priority: int(^uint(0) >> 1)}
	found := false
	for _, l := range eligible {
		if maxScore-l.score() >= s.cfg.Epsilon {
			continue
		}
		if l.ID == current {
			return l
		}
		if !found || l.Priority < best.Priority ||
			(l.Priority == best.Priority && l.score() > best.score()) {
			best = l
			found = true
		}
	}
	return best
}

func (s *Selector) decision(now time.Time, chosen, previous link.ID, reason string) *Decision {
	return &Decision{
		ID:           uuid.New(),
		ChosenLink:   chosen,
		PreviousLink: previous,
		Reason:       reason,
		Timestamp:    now,
	}
}

func (s *Selector) resetCandidate() {
	s.candidateID = ""
	s.candidateSince = time.Time{}
}

// eligibleLinks filters the snapshot down to links allowed to carry
// traffic: all UP links, or all DEGRADED links when nothing is UP.
func eligibleLinks(snapshot []LinkSnapshot) []LinkSnapshot {
	var up, degraded []LinkSnapshot
	for _, l := range snapshot {
		switch l.State {
		case link.StateUp:
			up = append(up, l)
		case link.StateDegraded:
			degraded = append(degraded, l)
		}
	}
	if len(up) > 0 {
		return up
	}
	return degraded
}

func findSnapshot(snapshot []LinkSnapshot, id link.ID) (LinkSnapshot, bool) {
	if id == "" {
		return LinkSnapshot{}, false
	}
	for _, l := range snapshot {
		if l.ID == id {
			return l, true
		}
	}
	return LinkSnapshot{}, false
}
