package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/icaro258/iotv/internal/device"
)

// demoteRetries bounds how often the sweeper retries a single device after
// losing a version race. Each loss means someone else wrote the row, so
// after a few attempts the device is clearly being kept alive.
const demoteRetries = 3

// SweeperConfig contains the sweeper's tuning knobs.
type SweeperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// GraceMultiplier is applied to each device's heartbeat interval
	// before it is declared stale.
	GraceMultiplier float64
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Checked  int `json:"checked"`
	Demoted  int `json:"demoted"`
	Survived int `json:"survived"` // stale but lost the race to a fresh write
}

// Sweeper periodically demotes devices whose heartbeats have gone quiet.
//
// Only online devices are examined: offline devices have nothing to demote,
// and an operator's manual "offline" must not be resurrected. A device with
// no recorded heartbeat at all is stale immediately, so a manual "online"
// on a silent device lasts at most one sweep.
//
// Sweeps never overlap. If a run is still going when the ticker fires, the
// tick is skipped rather than queued.
type Sweeper struct {
	devices  DeviceWriter
	notifier Notifier
	metrics  MetricsSink
	cfg      SweeperConfig
	logger   Logger

	sweeping atomic.Bool

	// now is swappable for tests.
	now func() time.Time
}

// NewSweeper creates a staleness sweeper.
// notifier and metrics may be nil; those fan-out steps are skipped.
func NewSweeper(devices DeviceWriter, notifier Notifier, metrics MetricsSink, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		devices:  devices,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the sweeper.
func (s *Sweeper) SetLogger(logger Logger) {
	s.logger = logger
}

// SetNotifier sets the notifier for demotions. Call before Run; the
// sweeper does not lock around it.
func (s *Sweeper) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// Run executes sweeps on the configured interval until ctx is cancelled.
// It blocks; run it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval, "grace_multiplier", s.cfg.GraceMultiplier)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single staleness pass over all online devices.
//
// Safe to call concurrently with Run; overlapping invocations return
// ErrSweepInProgress instead of queueing.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	var result SweepResult

	online, err := s.devices.GetDevicesByStatus(ctx, device.StatusOnline)
	if err != nil {
		return result, err
	}

	now := s.now().UTC()
	for i := range online {
		d := &online[i]
		result.Checked++

		if !d.IsStale(now, s.cfg.GraceMultiplier) {
			continue
		}

		demoted, err := s.demote(ctx, d)
		if err != nil {
			s.logger.Error("demoting device failed", "device_id", d.ID, "error", err)
			continue
		}
		if demoted {
			result.Demoted++
		} else {
			result.Survived++
		}
	}

	if result.Demoted > 0 || result.Survived > 0 {
		s.logger.Info("sweep complete",
			"checked", result.Checked,
			"demoted", result.Demoted,
			"survived", result.Survived)
	}

	return result, nil
}

// demote marks a single stale device offline, retrying around version
// races. Returns false when the device turned out to be alive after all.
func (s *Sweeper) demote(ctx context.Context, d *device.Device) (bool, error) {
	version := d.Version

	for attempt := 0; attempt < demoteRetries; attempt++ {
		updated, err := s.devices.DemoteIfFresh(ctx, d.ID, version)
		if err == nil {
			s.logger.Info("device went offline",
				"device_id", d.ID,
				"last_heartbeat", d.LastHeartbeat,
				"interval", d.HeartbeatInterval)
			s.fanOut(updated)
			return true, nil
		}

		if errors.Is(err, device.ErrDeviceNotFound) {
			// Deleted mid-sweep. Nothing to do.
			return false, nil
		}
		if !errors.Is(err, device.ErrVersionConflict) {
			return false, err
		}

		// Lost the race. Re-read and re-check: a fresh heartbeat or an
		// operator write may have made the demotion moot.
		fresh, err := s.devices.GetDevice(ctx, d.ID)
		if err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				return false, nil
			}
			return false, err
		}
		if fresh.Status != device.StatusOnline || !fresh.IsStale(s.now().UTC(), s.cfg.GraceMultiplier) {
			return false, nil
		}
		version = fresh.Version
	}

	// Every attempt lost to a concurrent writer. Treat as alive; the next
	// sweep will catch it if it is genuinely quiet.
	s.logger.Warn("gave up demoting contested device", "device_id", d.ID)
	return false, nil
}

// fanOut pushes the demotion to the metrics sink and notifier.
func (s *Sweeper) fanOut(d *device.Device) {
	if s.metrics != nil {
		s.metrics.WriteStatusTransition(d.ID, string(d.Status), "sweep")
	}
	if s.notifier != nil {
		s.notifier.DeviceUpdated(d, "sweep")
	}
}
