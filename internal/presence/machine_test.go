package presence

import (
	"testing"
	"time"

	"github.com/consultease/deskunit/internal/beacon"
	"github.com/consultease/deskunit/internal/config"
)

const testBeacon = "AA:BB:CC:DD:EE:FF"

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func testPresenceCfg() config.PresenceConfig {
	return config.PresenceConfig{
		SignalThresholdDBm:    -80,
		PresenceConfirmMs:     6000,
		AbsenceConfirmMs:      90000,
		GracePeriodMs:         60000,
		FastReconnectMs:       2000,
		FastReconnectWindowMs: 20000,
		SlowReconnectMs:       5000,
		MaxReconnectAttempts:  12,
		SearchScanMs:          2000,
		MonitorScanMs:         8000,
		VerificationScanMs:    1000,
		VerificationWindowMs:  5000,
	}
}

func seen(rssi int) []beacon.Sighting {
	return []beacon.Sighting{{Identifier: testBeacon, RSSI: rssi}}
}

func empty() []beacon.Sighting { return nil }

// confirmPresent drives a fresh machine to Present via the confirmation
// window and returns the time of the confirming poll.
func confirmPresent(t *testing.T, m *Machine) time.Time {
	t.Helper()
	now := t0
	for i := 0; i < 4; i++ {
		m.Observe(seen(-60), now)
		if i < 3 {
			now = now.Add(2 * time.Second)
		}
	}
	if m.Status() != StatusPresent {
		t.Fatalf("status = %s after confirmation window, want present", m.Status())
	}
	return now
}

func TestMachine_ConfirmationWindow(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)

	now := t0
	from, to, changed := m.Observe(seen(-60), now)
	if changed {
		t.Fatal("single sighting must not flip to present")
	}
	if from != VisibleAbsent || to != VisibleAbsent {
		t.Fatalf("visibility = %s -> %s, want absent -> absent", from, to)
	}

	// Matching polls at t+2s and t+4s: still inside the window.
	for _, d := range []time.Duration{2 * time.Second, 4 * time.Second} {
		if _, _, changed := m.Observe(seen(-60), t0.Add(d)); changed {
			t.Fatalf("flipped to present at +%v, before confirmation elapsed", d)
		}
	}

	// t+6s completes the 6s confirmation run.
	from, to, changed = m.Observe(seen(-60), t0.Add(6*time.Second))
	if !changed || from != VisibleAbsent || to != VisiblePresent {
		t.Fatalf("transition = (%s, %s, %v), want absent -> present", from, to, changed)
	}
}

func TestMachine_EmptyPollResetsConfirmation(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)

	m.Observe(seen(-60), t0)
	m.Observe(seen(-60), t0.Add(2*time.Second))
	m.Observe(empty(), t0.Add(4*time.Second)) // run broken
	m.Observe(seen(-60), t0.Add(6*time.Second))
	if _, _, changed := m.Observe(seen(-60), t0.Add(8*time.Second)); changed {
		t.Fatal("confirmation run must restart after an empty poll")
	}
	// New run started at t+6s completes at t+12s.
	if _, to, changed := m.Observe(seen(-60), t0.Add(12*time.Second)); !changed || to != VisiblePresent {
		t.Fatal("expected present once the restarted run completes")
	}
}

func TestMachine_WeakAndForeignSightingsIgnored(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)

	weak := seen(-85) // below the -80 dBm threshold
	other := []beacon.Sighting{{Identifier: "11:22:33:44:55:66", RSSI: -40}}
	for i, batch := range [][]beacon.Sighting{weak, other, weak, other} {
		m.Observe(batch, t0.Add(time.Duration(i)*10*time.Second))
	}
	if m.Status() != StatusSearching {
		t.Fatalf("status = %s, want searching", m.Status())
	}

	// Identifier match is case-insensitive.
	lower := []beacon.Sighting{{Identifier: "aa:bb:cc:dd:ee:ff", RSSI: -60}}
	m.Observe(lower, t0.Add(100*time.Second))
	if _, to, _ := m.Observe(lower, t0.Add(106*time.Second)); to != VisiblePresent {
		t.Fatal("case-insensitive identifier match should confirm present")
	}
}

// driveGrace feeds empty polls at the cadence the machine requests,
// starting from the poll that opens the grace window at graceStart.
// reobserveAt, if nonzero, injects a sighting at that offset from
// graceStart. It returns the offset at which the machine went Absent, or
// -1 if it never did within limit.
func driveGrace(t *testing.T, m *Machine, graceStart time.Time, reobserveAt, limit time.Duration) time.Duration {
	t.Helper()
	if _, _, changed := m.Observe(empty(), graceStart); changed {
		t.Fatal("entering grace must not be externally visible")
	}
	if m.Status() != StatusGrace {
		t.Fatalf("status = %s after empty poll, want grace", m.Status())
	}
	now := graceStart
	for {
		now = now.Add(m.NextScanIn(now))
		offset := now.Sub(graceStart)
		if offset > limit {
			return -1
		}
		batch := empty()
		if reobserveAt > 0 && offset >= reobserveAt {
			batch = seen(-60)
		}
		from, to, changed := m.Observe(batch, now)
		if m.Status() == StatusAbsent {
			if !changed || from != VisiblePresent || to != VisibleAbsent {
				t.Fatalf("absent transition = (%s, %s, %v)", from, to, changed)
			}
			return offset
		}
		if changed {
			t.Fatalf("unexpected visible transition %s -> %s at +%v", from, to, offset)
		}
		if m.Status() == StatusPresent {
			return -1
		}
	}
}

func TestMachine_GraceReobservedNoFlap(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	confirmed := confirmPresent(t, m)

	// Beacon disappears; it is re-observed 45s into the grace window. The
	// unit must come back to Present without ever publishing absent.
	graceStart := confirmed.Add(8 * time.Second)
	wentAbsent := driveGrace(t, m, graceStart, 45*time.Second, 2*time.Minute)
	if wentAbsent != -1 {
		t.Fatalf("went absent at +%v despite re-observation", wentAbsent)
	}
	if m.Status() != StatusPresent {
		t.Fatalf("status = %s, want present", m.Status())
	}
	if m.GraceAttempts() != 0 {
		t.Fatalf("grace session not discarded: attempts = %d", m.GraceAttempts())
	}
}

func TestMachine_GraceExpiresToAbsent(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	confirmed := confirmPresent(t, m)

	// Never re-observed: the 60s grace bound resolves to Absent. The
	// attempt cap (12 steady polls, which would land at +80s) must not be
	// what fires here.
	graceStart := confirmed.Add(8 * time.Second)
	wentAbsent := driveGrace(t, m, graceStart, 0, 2*time.Minute)
	if wentAbsent != 60*time.Second {
		t.Fatalf("went absent at +%v, want +60s (grace bound)", wentAbsent)
	}
}

func TestMachine_AttemptCapResolvesEarly(t *testing.T) {
	cfg := testPresenceCfg()
	cfg.MaxReconnectAttempts = 3
	m := NewMachine(cfg, testBeacon, nil)
	confirmed := confirmPresent(t, m)

	// Steady polls run at +25s, +30s, +35s after grace entry; the third
	// exhausts the cap well before the 60s grace bound.
	graceStart := confirmed.Add(8 * time.Second)
	wentAbsent := driveGrace(t, m, graceStart, 0, 2*time.Minute)
	if wentAbsent != 35*time.Second {
		t.Fatalf("went absent at +%v, want +35s (attempt cap)", wentAbsent)
	}
}

func TestMachine_AbsenceConfirmCutsGraceShort(t *testing.T) {
	cfg := testPresenceCfg()
	cfg.AbsenceConfirmMs = cfg.GracePeriodMs
	m := NewMachine(cfg, testBeacon, nil)
	confirmed := confirmPresent(t, m)

	// The last sighting precedes grace entry by one monitor poll, so the
	// no-sighting-at-all bound elapses before the grace bound does. The
	// steady polls run at +50s (58s without a sighting) and +55s (63s): the
	// second crosses the 60s absence bound while the grace window still has
	// 5s left and only 6 of 12 attempts are spent.
	graceStart := confirmed.Add(8 * time.Second)
	wentAbsent := driveGrace(t, m, graceStart, 0, 2*time.Minute)
	if wentAbsent != 55*time.Second {
		t.Fatalf("went absent at +%v, want +55s (absence confirmed)", wentAbsent)
	}
}

func TestMachine_GraceCadence(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	confirmed := confirmPresent(t, m)
	graceStart := confirmed.Add(8 * time.Second)
	m.Observe(empty(), graceStart)

	if d := m.NextScanIn(graceStart.Add(time.Second)); d != 2*time.Second {
		t.Fatalf("fast-window cadence = %v, want 2s", d)
	}
	if d := m.NextScanIn(graceStart.Add(25 * time.Second)); d != 5*time.Second {
		t.Fatalf("steady cadence = %v, want 5s", d)
	}
}

func TestMachine_ScanCadenceByState(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	if d := m.NextScanIn(t0); d != 2*time.Second {
		t.Fatalf("searching cadence = %v, want 2s", d)
	}
	confirmed := confirmPresent(t, m)
	// Right after the transition, the verification cadence applies.
	if d := m.NextScanIn(confirmed.Add(time.Second)); d != time.Second {
		t.Fatalf("verification cadence = %v, want 1s", d)
	}
	// Once the verification window passes, steady monitoring.
	if d := m.NextScanIn(confirmed.Add(10 * time.Second)); d != 8*time.Second {
		t.Fatalf("monitor cadence = %v, want 8s", d)
	}
}

func TestMachine_Force(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	confirmPresent(t, m)

	from, to, changed := m.Force(VisibleAbsent, t0.Add(time.Minute))
	if !changed || from != VisiblePresent || to != VisibleAbsent {
		t.Fatalf("force = (%s, %s, %v)", from, to, changed)
	}
	if m.Status() != StatusAbsent {
		t.Fatalf("status = %s, want absent", m.Status())
	}
}

func TestMachine_SnapshotRoundtrip(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	confirmed := confirmPresent(t, m)
	graceStart := confirmed.Add(8 * time.Second)
	m.Observe(empty(), graceStart)

	raw, err := EncodeSnapshot(m.Snapshot(graceStart.Add(time.Second)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// A fresh restore resumes the grace session.
	m2 := NewMachine(testPresenceCfg(), testBeacon, nil)
	m2.Restore(snap, graceStart.Add(5*time.Second))
	if m2.Status() != StatusGrace {
		t.Fatalf("status = %s, want grace", m2.Status())
	}
	if m2.Visible() != VisiblePresent {
		t.Fatalf("visible = %s, want present", m2.Visible())
	}
}

func TestMachine_StaleSnapshotRestoresAbsent(t *testing.T) {
	m := NewMachine(testPresenceCfg(), testBeacon, nil)
	confirmPresent(t, m)
	snap := m.Snapshot(t0.Add(time.Minute))

	m2 := NewMachine(testPresenceCfg(), testBeacon, nil)
	// Rebooted 5 minutes later: the snapshot proves nothing anymore.
	m2.Restore(snap, t0.Add(6*time.Minute))
	if m2.Status() != StatusAbsent {
		t.Fatalf("status = %s, want absent after stale restore", m2.Status())
	}
}
