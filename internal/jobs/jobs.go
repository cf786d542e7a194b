// Package jobs holds the scheduled maintenance tasks. Every job is
// idempotent and safe to re-enter; there is no cross-job ordering.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/store"
	"github.com/engramlabs/engram/internal/tuner"
)

const backupEnumerationCap = 10_000

// Runner exposes the run-once job entry points used by the cron schedule
// and the manual trigger endpoint.
type Runner struct {
	store     store.Store
	tuner     *tuner.AutoTuner
	collector *metrics.Collector
	log       zerolog.Logger
	now       func() time.Time
}

// New builds the runner.
func New(st store.Store, tn *tuner.AutoTuner, col *metrics.Collector, log zerolog.Logger) *Runner {
	return &Runner{store: st, tuner: tn, collector: col, log: log, now: time.Now}
}

// ExpireSweepResult reports one expiry pass.
type ExpireSweepResult struct {
	Deleted int       `json:"deleted"`
	RanAt   time.Time `json:"ranAt"`
}

// ExpireSweep removes every row whose expiry has passed.
func (r *Runner) ExpireSweep(ctx context.Context) (*ExpireSweepResult, error) {
	now := r.now().UTC()
	n, err := r.store.Items().DeleteExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	r.collector.Record(metrics.ExpiredSweepDeleteCount, float64(n))
	if n > 0 {
		r.log.Info().Int("deleted", n).Msg("expired memories swept")
	}
	return &ExpireSweepResult{Deleted: n, RanAt: now}, nil
}

// DriftDetectionResult reports a drift pass. The comparison logic is not
// defined yet, so counts stay zero until a concrete drift policy lands.
type DriftDetectionResult struct {
	Checked       int       `json:"checked"`
	DriftDetected int       `json:"driftDetected"`
	RanAt         time.Time `json:"ranAt"`
}

// DriftDetection is a placeholder pass.
func (r *Runner) DriftDetection(ctx context.Context) (*DriftDetectionResult, error) {
	return &DriftDetectionResult{RanAt: r.now().UTC()}, nil
}

// OptimizerReportResult bundles one optimization pass with the full report.
type OptimizerReportResult struct {
	Optimization tuner.AutoOptimizeResult `json:"optimization"`
	Report       tuner.Report             `json:"report"`
}

// OptimizerReport runs auto-optimization and returns the tuning report.
func (r *Runner) OptimizerReport(ctx context.Context) (*OptimizerReportResult, error) {
	res := r.tuner.AutoOptimize()
	return &OptimizerReportResult{Optimization: res, Report: r.tuner.GetReport()}, nil
}

// BackupPermanentResult reports one backup enumeration.
type BackupPermanentResult struct {
	Count      int       `json:"count"`
	Enumerated int       `json:"enumerated"`
	RanAt      time.Time `json:"ranAt"`
}

// BackupPermanent enumerates the permanent layer and reports its size. The
// enumeration is the durability check; export targets attach downstream.
func (r *Runner) BackupPermanent(ctx context.Context) (*BackupPermanentResult, error) {
	count, err := r.store.Items().CountByLayer(ctx, model.LayerPermanent)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.Items().ListByLayer(ctx, model.LayerPermanent, backupEnumerationCap)
	if err != nil {
		return nil, err
	}
	r.log.Info().Int("count", count).Msg("permanent layer backup pass complete")
	return &BackupPermanentResult{Count: count, Enumerated: len(rows), RanAt: r.now().UTC()}, nil
}

// MonthlyReportResult aggregates layer statistics and audit activity.
type MonthlyReportResult struct {
	Stats        []model.LayerStat         `json:"stats"`
	AuditCounts  map[model.AuditAction]int `json:"auditCounts"`
	WindowedFrom time.Time                 `json:"windowedFrom"`
	GeneratedAt  time.Time                 `json:"generatedAt"`
}

// MonthlyReport summarizes the last 30 days of memory activity.
func (r *Runner) MonthlyReport(ctx context.Context) (*MonthlyReportResult, error) {
	now := r.now().UTC()
	since := now.Add(-30 * 24 * time.Hour)

	stats, err := r.store.Items().Stats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.Audits().CountByAction(ctx, since)
	if err != nil {
		return nil, err
	}
	return &MonthlyReportResult{
		Stats:        stats,
		AuditCounts:  counts,
		WindowedFrom: since,
		GeneratedAt:  now,
	}, nil
}

// Run dispatches a job by name for the manual trigger endpoint.
func (r *Runner) Run(ctx context.Context, name string) (any, error) {
	switch name {
	case "expire-sweep":
		return r.ExpireSweep(ctx)
	case "drift-detection":
		return r.DriftDetection(ctx)
	case "optimizer-report":
		return r.OptimizerReport(ctx)
	case "backup-permanent":
		return r.BackupPermanent(ctx)
	case "monthly-report":
		return r.MonthlyReport(ctx)
	default:
		return nil, fmt.Errorf("unknown job: %s", name)
	}
}

// Names lists the runnable jobs.
func Names() []string {
	return []string{"expire-sweep", "drift-detection", "optimizer-report", "backup-permanent", "monthly-report"}
}
