package traffic

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// EpochReport summarises one evaluation of the detector
type EpochReport struct {
	Total      uint64
	Baseline   float64
	Anomalous  bool
	Banned     []string
	BansReset  int
	BanExpired bool
}

// Detector evaluates the per-IP counters once per epoch. Normal epochs
// train the baseline; anomalous ones ban the heaviest offenders instead.
type Detector struct {
	config  domain.DefenseConfig
	tracker *Tracker
	bans    *BanList
	window  *SlidingQuantile
	logger  *logger.Logger

	anomalousEpochs atomic.Uint64
}

// NewDetector creates a detector owning a fresh tracker, ban list and window
func NewDetector(config domain.DefenseConfig, now time.Time, log *logger.Logger) *Detector {
	return &Detector{
		config:  config,
		tracker: NewTracker(),
		bans:    NewBanList(config.BanTimeout, now),
		window:  NewSlidingQuantile(config.WindowSize),
		logger:  log.DefenseLogger(),
	}
}

// Tracker returns the per-IP counters
func (d *Detector) Tracker() *Tracker { return d.tracker }

// Bans returns the ban list
func (d *Detector) Bans() *BanList { return d.bans }

// Window returns the baseline window
func (d *Detector) Window() *SlidingQuantile { return d.window }

// AnomalousEpochs returns how many epochs were flagged so far
func (d *Detector) AnomalousEpochs() uint64 { return d.anomalousEpochs.Load() }

// Observe is called for every admitted request. It reports false when the
// client is banned, in which case nothing is counted.
func (d *Detector) Observe(ip string) bool {
	if d.bans.IsBanned(ip) {
		return false
	}
	d.tracker.Increment(ip)
	return true
}

// Baseline returns min(quantile(p), cap)
func (d *Detector) Baseline() float64 {
	q := float64(d.window.Quantile(d.config.Percentile))
	if d.config.Cap > 0 {
		q = math.Min(q, d.config.Cap)
	}
	return q
}

// Evaluate runs one epoch: ban expiry, anomaly test and offender banning or
// baseline training, then clears the counters.
func (d *Detector) Evaluate(now time.Time) EpochReport {
	var report EpochReport

	if dropped, expired := d.bans.ExpireIfDue(now); expired {
		report.BanExpired = true
		report.BansReset = dropped
		if dropped > 0 {
			d.logger.WithField("count", dropped).Info("Ban list expired")
		}
	}

	report.Total = d.tracker.Total()
	report.Baseline = d.Baseline()

	if float64(report.Total) > report.Baseline*d.config.GraceFactor {
		report.Anomalous = true
		d.anomalousEpochs.Add(1)
		report.Banned = d.banOffenders()

		d.logger.WithField("total", report.Total).
			WithField("baseline", report.Baseline).
			WithField("banned", report.Banned).
			Warn("Traffic anomaly detected")
	} else {
		d.window.Record(report.Total)
	}

	d.tracker.Clear()
	return report
}

func (d *Detector) banOffenders() []string {
	var banned []string
	for {
		ip, count, ok := d.tracker.Top()
		if !ok || count <= d.config.SuspicionThreshold {
			return banned
		}
		d.tracker.Remove(ip)
		if d.bans.Ban(ip) {
			banned = append(banned, ip)
		}
	}
}
