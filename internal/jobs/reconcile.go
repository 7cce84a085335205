package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/repository"
)

const reconcileTimeout = 30 * time.Second

// StaleSessionMarker marks a user's row disconnected unless the user has a
// live connection in this process. changed is false when the row was left
// alone.
type StaleSessionMarker interface {
	MarkStaleDisconnected(ctx context.Context, userID string) (changed bool, err error)
}

// ReconcileJob clears durable connected flags that have no live session
// behind them.
type ReconcileJob struct {
	sessionRepo repository.WhatsAppSessionRepository
	sessions    StaleSessionMarker
	interval    time.Duration
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewReconcileJob(
	sessionRepo repository.WhatsAppSessionRepository,
	sessions StaleSessionMarker,
	interval time.Duration,
) *ReconcileJob {
	return &ReconcileJob{
		sessionRepo: sessionRepo,
		sessions:    sessions,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *ReconcileJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("reconcile job started")
}

// Stop ends the loop and waits for an in-flight pass.
func (j *ReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
	log.Info().Msg("reconcile job stopped")
}

func (j *ReconcileJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.reconcile()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.reconcile()
		}
	}
}

func (j *ReconcileJob) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	count, err := j.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to reconcile sessions")
	} else if count > 0 {
		log.Info().Int("count", count).Msg("reconciled stale sessions")
	}
}

// RunOnce marks every stale row disconnected and returns how many were
// changed. A failure on one row does not stop the pass.
func (j *ReconcileJob) RunOnce(ctx context.Context) (int, error) {
	rows, err := j.sessionRepo.ListConnected(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		changed, err := j.sessions.MarkStaleDisconnected(ctx, row.UserID)
		if err != nil {
			log.Error().Err(err).Str("userId", row.UserID).Msg("failed to mark stale session disconnected")
			continue
		}
		if changed {
			count++
		}
	}
	return count, nil
}
