package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/consultease/deskunit/internal/beacon"
	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/persistence"
)

const snapshotKey = "presence_snapshot"

// SnapshotSink persists the machine snapshot between boots. Satisfied by
// *persistence.Store.
type SnapshotSink interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Monitor owns the state machine: it drives the scan loop at the cadence
// the machine asks for, publishes visible transitions on the bus, and
// persists snapshots.
type Monitor struct {
	machine   *Machine
	scanner   beacon.Scanner
	eventBus  *bus.Bus
	sink      SnapshotSink
	logger    *slog.Logger
	subjectID string

	mu sync.Mutex // serializes Observe/Force/Snapshot across goroutines

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMonitor wires a machine to its scanner and outputs. sink may be nil
// (snapshots are then skipped).
func NewMonitor(machine *Machine, scanner beacon.Scanner, eventBus *bus.Bus, sink SnapshotSink, subjectID string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		machine:   machine,
		scanner:   scanner,
		eventBus:  eventBus,
		sink:      sink,
		logger:    logger,
		subjectID: subjectID,
	}
}

// RestoreFromSnapshot loads the persisted snapshot, if any, into the
// machine. Called once before Start.
func (m *Monitor) RestoreFromSnapshot(ctx context.Context, now time.Time) {
	if m.sink == nil {
		return
	}
	raw, err := m.sink.KVGet(ctx, snapshotKey)
	if err != nil {
		if !errors.Is(err, persistence.ErrKeyNotFound) {
			m.logger.Warn("load presence snapshot", "error", err)
		}
		return
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		m.logger.Warn("decode presence snapshot", "error", err)
		return
	}
	m.mu.Lock()
	m.machine.Restore(snap, now)
	status := m.machine.Status()
	m.mu.Unlock()
	m.logger.Info("presence restored from snapshot",
		"status", string(status), "saved_at", snap.SavedAt)
}

// Start launches the scan loop. Stop with the returned context's cancel
// via Stop, or by cancelling ctx.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the scan loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	timer := time.NewTimer(m.machine.NextScanIn(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			now := time.Now()
			m.pollOnce(ctx, now)
			timer.Reset(m.machine.NextScanIn(now))
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, now time.Time) {
	start := time.Now()
	sightings, err := m.scanner.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("beacon poll failed", "error", err)
		}
		return
	}
	m.eventBus.Publish(bus.TopicScanCompleted, bus.ScanEvent{
		Duration:  time.Since(start),
		Sightings: len(sightings),
	})
	m.mu.Lock()
	from, to, changed := m.machine.Observe(sightings, now)
	m.mu.Unlock()
	if changed {
		m.publishTransition(ctx, from, to, now)
	}
}

// Force overrides the presence status, as when the person marks themselves
// away from the gateway.
func (m *Monitor) Force(ctx context.Context, v Visibility, now time.Time) {
	m.mu.Lock()
	from, to, changed := m.machine.Force(v, now)
	m.mu.Unlock()
	if v == VisibleAbsent {
		m.eventBus.Publish(bus.TopicPresenceForced, bus.PresenceChangedEvent{
			SubjectID: m.subjectID, Old: string(from), New: string(to), At: now.UnixMilli(),
		})
	}
	if changed {
		m.publishTransition(ctx, from, to, now)
	}
}

// Visible reports the current externally visible status.
func (m *Monitor) Visible() Visibility {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Visible()
}

// PersistSnapshot writes the current machine snapshot. Also invoked on the
// maintenance cadence so a stale snapshot never outlives a healthy unit.
func (m *Monitor) PersistSnapshot(ctx context.Context, now time.Time) {
	if m.sink == nil {
		return
	}
	m.mu.Lock()
	snap := m.machine.Snapshot(now)
	m.mu.Unlock()
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		m.logger.Warn("encode presence snapshot", "error", err)
		return
	}
	if err := m.sink.KVSet(ctx, snapshotKey, raw); err != nil {
		m.logger.Warn("persist presence snapshot", "error", err)
	}
}

func (m *Monitor) publishTransition(ctx context.Context, from, to Visibility, now time.Time) {
	m.logger.Info("presence changed", "from", string(from), "to", string(to))
	m.eventBus.Publish(bus.TopicPresenceChanged, bus.PresenceChangedEvent{
		SubjectID: m.subjectID,
		Old:       string(from),
		New:       string(to),
		At:        now.UnixMilli(),
	})
	m.PersistSnapshot(ctx, now)
}
