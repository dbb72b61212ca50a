package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/types"
)

// MaintenanceStats summarizes one maintenance sweep.
type MaintenanceStats struct {
	Scanned      int `json:"scanned"`
	Promoted     int `json:"promoted"`
	Archived     int `json:"archived"`
	Cleaned      int `json:"cleaned"`
	Conflicts    int `json:"conflicts"`
	GraphRetried int `json:"graph_retried"`
}

// Maintenance runs one promotion/archival/cleanup sweep over every fact and
// retries deferred graph ingests. It works on snapshots and uses updated_at
// as a compare-and-set guard so it never clobbers a concurrent edit.
func (e *Engine) Maintenance(ctx context.Context) (MaintenanceStats, error) {
	var stats MaintenanceStats
	now := time.Now().UTC()

	cursor := int64(0)
	for {
		facts, next, err := e.vec.List(ctx, filter.New(), 200, cursor)
		if err != nil {
			return stats, err
		}
		for _, snapshot := range facts {
			stats.Scanned++
			transition, tier := e.eb.Evaluate(snapshot, now)
			if transition == tierKeep {
				continue
			}
			switch e.applyTransition(ctx, snapshot, transition, tier, now) {
			case tierPromote:
				stats.Promoted++
			case tierArchive:
				stats.Archived++
			case tierCleanup:
				stats.Cleaned++
			default:
				stats.Conflicts++
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	stats.GraphRetried = e.retryGraphJobs(ctx)
	return stats, nil
}

// applyTransition re-reads the fact under its lock and applies the decision
// only if nothing changed since the snapshot. Returns the transition that was
// applied, or tierKeep on a lost CAS race or backend error.
func (e *Engine) applyTransition(ctx context.Context, snapshot *types.MemoryFact, transition tierTransition, tier types.Tier, now time.Time) tierTransition {
	unlock, err := e.locks.Lock(ctx, strconv.FormatInt(snapshot.ID, 10))
	if err != nil {
		return tierKeep
	}
	defer unlock()

	fresh, err := e.vec.Get(ctx, snapshot.ID)
	if err != nil {
		if !types.IsNotFound(err) {
			e.log.Warn("maintenance reload failed", "memory_id", snapshot.ID, "error", err.Error())
		}
		return tierKeep
	}
	if !fresh.UpdatedAt.Equal(snapshot.UpdatedAt) {
		return tierKeep
	}

	if transition == tierCleanup {
		if err := e.vec.Delete(ctx, fresh.ID); err != nil {
			e.log.Warn("maintenance cleanup failed", "memory_id", fresh.ID, "error", err.Error())
			return tierKeep
		}
		e.appendHistory(ctx, fresh.ID, types.EventDelete, fresh.Content, "", fresh.Scope)
		return tierCleanup
	}

	if fresh.Metadata == nil {
		fresh.Metadata = map[string]any{}
	}
	fresh.Metadata[types.MetaTier] = string(tier)
	if transition == tierArchive {
		fresh.Metadata[types.MetaArchivedAt] = now.Format(time.RFC3339Nano)
	}
	fresh.UpdatedAt = now
	fresh.Metadata[types.MetaUpdatedAt] = now.Format(time.RFC3339Nano)
	if err := e.vec.Upsert(ctx, fresh); err != nil {
		e.log.Warn("maintenance tier write failed", "memory_id", fresh.ID, "error", err.Error())
		return tierKeep
	}
	e.appendHistory(ctx, fresh.ID, types.EventUpdate, fresh.Content, fresh.Content, fresh.Scope)
	return transition
}

// retryGraphJobs replays graph ingests that failed after their scalar write.
// Jobs that fail again go back on the queue.
func (e *Engine) retryGraphJobs(ctx context.Context) int {
	if e.graphEng == nil {
		return 0
	}
	e.pendingMu.Lock()
	jobs := e.pendingGraph
	e.pendingGraph = nil
	e.pendingMu.Unlock()

	retried := 0
	for _, job := range jobs {
		if _, err := e.graphEng.Ingest(ctx, job.Text, job.Scope); err != nil {
			e.log.Warn("graph retry failed", "user_id", job.Scope.UserID, "error", err.Error())
			e.queueGraphJob(job)
			continue
		}
		retried++
	}
	return retried
}

// MaintenanceRunner runs Maintenance on a fixed interval until stopped.
type MaintenanceRunner struct {
	engine   *Engine
	log      *logger.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewMaintenanceRunner(e *Engine, log *logger.Logger, interval time.Duration) *MaintenanceRunner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &MaintenanceRunner{
		engine:   e,
		log:      log.With("service", "MaintenanceRunner"),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *MaintenanceRunner) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.interval)
				stats, err := r.engine.Maintenance(ctx)
				cancel()
				if err != nil {
					r.log.Error("maintenance sweep failed", "error", err.Error())
					continue
				}
				r.log.Info("maintenance sweep finished",
					"scanned", stats.Scanned,
					"promoted", stats.Promoted,
					"archived", stats.Archived,
					"cleaned", stats.Cleaned,
					"conflicts", stats.Conflicts,
					"graph_retried", stats.GraphRetried,
				)
			}
		}
	}()
}

func (r *MaintenanceRunner) Stop() {
	close(r.stop)
	<-r.done
}
