package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
)

const (
	metricGPUUtil = "utilization.gpu"
	metricMemUtil = "utilization.memory"
)

type Sample struct {
	ReservationID int64
	At            time.Time
	GPUUtil       float64
	MemUtil       float64
}

type Store interface {
	ActiveReservations(ctx context.Context, now time.Time) ([]access.Reservation, error)
	RecordUsage(ctx context.Context, samples []Sample) error
	// FinalizeUsage stores the sample averages on every reservation that
	// ended by now and drops its samples. It returns how many were
	// finalized.
	FinalizeUsage(ctx context.Context, now time.Time) (int, error)
}

// Logger samples the utilization of reserved GPUs and summarizes it when
// the reservation ends.
type Logger struct {
	store    Store
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewLogger(store Store, interval time.Duration) *Logger {
	return &Logger{store: store, interval: interval, now: func() time.Time { return time.Now().UTC() }}
}

// Samples picks the utilization of every reserved device present in snap.
// Devices that do not report both metrics are skipped.
func Samples(snap monitor.Snapshot, reservations []access.Reservation, at time.Time) []Sample {
	var out []Sample
	for _, r := range reservations {
		_, dev, ok := snap.Device(r.ResourceID)
		if !ok {
			continue
		}
		gpu, mem := dev.Metrics[metricGPUUtil].Value, dev.Metrics[metricMemUtil].Value
		if gpu == nil || mem == nil {
			log.Debug().Str("gpu", r.ResourceID).Msg("utilization not supported, usage not logged")
			continue
		}
		out = append(out, Sample{ReservationID: r.ID, At: at, GPUUtil: *gpu, MemUtil: *mem})
	}
	return out
}

// Record finalizes ended reservations, then stores one sample per active
// reservation.
func (l *Logger) Record(ctx context.Context, snap monitor.Snapshot) error {
	now := l.now()
	finalized, err := l.store.FinalizeUsage(ctx, now)
	if err != nil {
		return fmt.Errorf("finalize usage: %w", err)
	}
	if finalized > 0 {
		log.Info().Int("reservations", finalized).Msg("reservation usage summarized")
	}

	reservations, err := l.store.ActiveReservations(ctx, now)
	if err != nil {
		return fmt.Errorf("active reservations: %w", err)
	}
	samples := Samples(snap, reservations, now)
	if len(samples) == 0 {
		return nil
	}
	if err := l.store.RecordUsage(ctx, samples); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	log.Debug().Int("samples", len(samples)).Msg("usage recorded")
	return nil
}

func (l *Logger) due() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}

// Subscribe records usage from collected snapshots, at most once per
// interval.
func (l *Logger) Subscribe(bus event.Bus) (unsubscribe func()) {
	return bus.Subscribe(event.EventSnapshotCollected, func(ctx context.Context, e event.Event) error {
		payload, ok := e.Payload.(event.SnapshotEvent)
		if !ok {
			return nil
		}
		snap, ok := payload.Snapshot.(monitor.Snapshot)
		if !ok || !l.due() {
			return nil
		}
		return l.Record(ctx, snap)
	})
}
