// Package presence tracks whether the assigned person is at the desk,
// derived from beacon sightings. The state machine deliberately lags
// reality in both directions: a confirmation window filters spurious
// sightings, and a grace period absorbs transient signal drops so the
// published status does not flap.
package presence

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/consultease/deskunit/internal/beacon"
	"github.com/consultease/deskunit/internal/config"
)

// Status is an internal machine state.
type Status string

const (
	StatusAbsent    Status = "absent"
	StatusSearching Status = "searching"
	StatusPresent   Status = "present"
	StatusGrace     Status = "grace"
)

// Visibility is the externally published status. Searching maps to absent,
// Grace maps to present; the outside world only sees the two.
type Visibility string

const (
	VisiblePresent Visibility = "present"
	VisibleAbsent  Visibility = "absent"
)

func (s Status) visibility() Visibility {
	if s == StatusPresent || s == StatusGrace {
		return VisiblePresent
	}
	return VisibleAbsent
}

// graceSession tracks one grace window. At most one exists; it is
// discarded whenever Grace is left.
type graceSession struct {
	startedAt    time.Time
	attemptCount int
}

// Machine is the presence state machine. It is not safe for concurrent
// use; the Monitor owns it and serializes access. All time is passed in,
// never read from the clock, so tests drive it deterministically.
type Machine struct {
	cfg      config.PresenceConfig
	beaconID string
	logger   *slog.Logger

	status       Status
	grace        *graceSession
	lastSeen     time.Time // last threshold-passing sighting
	confirmStart time.Time // start of the current Present-confirmation run
	changedAt    time.Time // last state change, drives the verification cadence
}

// NewMachine starts in Searching: the unit boots not knowing who is there.
func NewMachine(cfg config.PresenceConfig, beaconID string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:      cfg,
		beaconID: beaconID,
		logger:   logger,
		status:   StatusSearching,
	}
}

// Status returns the internal state.
func (m *Machine) Status() Status { return m.status }

// Visible returns the externally published status.
func (m *Machine) Visible() Visibility { return m.status.visibility() }

// GraceAttempts returns the reconnect attempt count of the live grace
// session, or 0.
func (m *Machine) GraceAttempts() int {
	if m.grace == nil {
		return 0
	}
	return m.grace.attemptCount
}

// matched reports whether any sighting in the batch is our beacon at an
// acceptable signal level.
func (m *Machine) matched(sightings []beacon.Sighting) bool {
	for _, s := range sightings {
		if strings.EqualFold(s.Identifier, m.beaconID) && s.RSSI >= m.cfg.SignalThresholdDBm {
			return true
		}
	}
	return false
}

// Observe feeds one poll's worth of sightings into the machine and
// returns the previous and current visibility plus whether they differ.
func (m *Machine) Observe(sightings []beacon.Sighting, now time.Time) (from, to Visibility, changed bool) {
	from = m.Visible()
	seen := m.matched(sightings)
	if seen {
		m.lastSeen = now
	}

	switch m.status {
	case StatusSearching, StatusAbsent:
		if seen {
			if m.confirmStart.IsZero() {
				m.confirmStart = now
			}
			if now.Sub(m.confirmStart) >= m.cfg.PresenceConfirm() {
				m.setStatus(StatusPresent, now)
			}
		} else {
			// One empty poll breaks the confirmation run.
			m.confirmStart = time.Time{}
		}

	case StatusPresent:
		if !seen {
			if m.absenceConfirmed(now) {
				m.setStatus(StatusAbsent, now)
				break
			}
			m.grace = &graceSession{startedAt: now}
			m.setStatus(StatusGrace, now)
		}

	case StatusGrace:
		if seen {
			// Still the same visible status; no flap was published.
			m.grace = nil
			m.setStatus(StatusPresent, now)
			break
		}
		if m.absenceConfirmed(now) || now.Sub(m.grace.startedAt) >= m.cfg.GracePeriod() {
			m.grace = nil
			m.setStatus(StatusAbsent, now)
			break
		}
		// Polls inside the fast window are opportunistic verification;
		// only steady-interval polls count as reconnect attempts.
		if now.Sub(m.grace.startedAt) > m.cfg.FastReconnectWindow() {
			m.grace.attemptCount++
			if m.grace.attemptCount >= m.cfg.MaxReconnectAttempts {
				m.grace = nil
				m.setStatus(StatusAbsent, now)
			}
		}
	}

	to = m.Visible()
	return from, to, from != to
}

// absenceConfirmed is the hard safety net: no sighting at all for
// AbsenceConfirmTime forces Absent regardless of grace accounting.
func (m *Machine) absenceConfirmed(now time.Time) bool {
	return !m.lastSeen.IsZero() && now.Sub(m.lastSeen) >= m.cfg.AbsenceConfirm()
}

func (m *Machine) setStatus(next Status, now time.Time) {
	if next == m.status {
		return
	}
	m.logger.Debug("presence state change",
		"from", string(m.status), "to", string(next))
	m.status = next
	m.changedAt = now
	m.confirmStart = time.Time{}
}

// NextScanIn returns how long to wait before the next poll, given the
// current state and how recently it changed.
func (m *Machine) NextScanIn(now time.Time) time.Duration {
	if m.status == StatusGrace && m.grace != nil {
		if now.Sub(m.grace.startedAt) < m.cfg.FastReconnectWindow() {
			return m.cfg.FastReconnect()
		}
		return m.cfg.SlowReconnect()
	}
	// High-resolution confirmation right after any state change.
	if !m.changedAt.IsZero() && now.Sub(m.changedAt) < m.cfg.VerificationWindow() {
		return m.cfg.VerificationScan()
	}
	if m.status == StatusPresent {
		return m.cfg.MonitorScan()
	}
	return m.cfg.SearchScan()
}

// Force overrides the machine to the given visibility, discarding any
// grace session or confirmation run in progress.
func (m *Machine) Force(v Visibility, now time.Time) (from, to Visibility, changed bool) {
	from = m.Visible()
	m.grace = nil
	if v == VisiblePresent {
		m.lastSeen = now
		m.setStatus(StatusPresent, now)
	} else {
		m.setStatus(StatusAbsent, now)
	}
	return from, v, from != v
}

// Snapshot is the persisted machine state.
type Snapshot struct {
	Status         Status    `json:"status"`
	GraceStartedAt time.Time `json:"graceStartedAt,omitempty"`
	AttemptCount   int       `json:"attemptCount,omitempty"`
	SavedAt        time.Time `json:"savedAt"`
}

// Snapshot captures the machine state for persistence.
func (m *Machine) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{Status: m.status, SavedAt: now}
	if m.grace != nil {
		snap.GraceStartedAt = m.grace.startedAt
		snap.AttemptCount = m.grace.attemptCount
	}
	return snap
}

// Restore applies a persisted snapshot. A snapshot older than the grace
// period says nothing useful about who is at the desk now, so the machine
// restores as Absent and re-confirms from scratch.
func (m *Machine) Restore(snap Snapshot, now time.Time) {
	if now.Sub(snap.SavedAt) > m.cfg.GracePeriod() {
		m.status = StatusAbsent
		m.changedAt = now
		return
	}
	m.status = snap.Status
	m.changedAt = now
	if snap.Status == StatusGrace {
		m.grace = &graceSession{startedAt: snap.GraceStartedAt, attemptCount: snap.AttemptCount}
		m.lastSeen = snap.GraceStartedAt
	} else if snap.Status == StatusPresent {
		m.lastSeen = snap.SavedAt
	}
}

// EncodeSnapshot and DecodeSnapshot are the kv-table wire form.

func EncodeSnapshot(s Snapshot) (string, error) {
	b, err := json.Marshal(s)
	return string(b), err
}

func DecodeSnapshot(raw string) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal([]byte(raw), &s)
	return s, err
}
