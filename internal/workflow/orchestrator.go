package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/repository"
	"construction-doc-analysis/internal/domain/ports/stream"
	"construction-doc-analysis/internal/infra/logging"
	"construction-doc-analysis/internal/infra/metrics"
	"construction-doc-analysis/internal/infra/worker"
)

// Config tunes the claim loop and the per-stage retry policy.
type Config struct {
	Claimant        string
	PollInterval    time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	CapacityBackoff time.Duration
	StageTimeout    time.Duration
	Lease           time.Duration
	CancelPoll      time.Duration
}

// StatusCache is an optional write-through snapshot of terminal runs.
type StatusCache interface {
	Store(ctx context.Context, run *model.WorkflowRun) error
}

// Orchestrator drives claimed runs through the stage sequence. All
// state a restart would need lives in the database: the claim lease,
// the stage checkpoint and the persisted stage outputs.
type Orchestrator struct {
	runs       repository.WorkflowRunRepository
	attempts   repository.StageAttemptRepository
	tm         repository.TransactionManager
	activities []StageActivity
	pub        *progressPublisher
	cache      StatusCache
	cfg        Config
	log        *zerolog.Logger

	// sleep is swapped out in tests so retry backoff runs instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	runs repository.WorkflowRunRepository,
	attempts repository.StageAttemptRepository,
	tm repository.TransactionManager,
	bus stream.ProgressBus,
	activities []StageActivity,
	cache StatusCache,
	cfg Config,
	logger *zerolog.Logger,
) *Orchestrator {
	oLog := logger.With().Str("component", "Orchestrator").Logger()
	return &Orchestrator{
		runs:       runs,
		attempts:   attempts,
		tm:         tm,
		activities: activities,
		pub:        newProgressPublisher(runs, bus, &oLog),
		cache:      cache,
		cfg:        cfg,
		log:        &oLog,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start polls for claimable runs and hands each one to the pool.
// Blocks until ctx is cancelled; run it in a goroutine.
func (o *Orchestrator) Start(ctx context.Context, pool *worker.Pool) {
	o.log.Info().Dur("poll", o.cfg.PollInterval).Msg("orchestrator started")
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator stopping")
			return
		case <-ticker.C:
			_ = pool.Submit(func(ctx context.Context) error {
				o.processOne(ctx)
				return nil
			})
		}
	}
}

func (o *Orchestrator) processOne(ctx context.Context) {
	run, err := o.runs.ClaimNext(ctx, o.cfg.Claimant, o.cfg.Lease)
	if err != nil {
		if !errors.Is(err, domain.ErrNoPendingRun) {
			o.log.Error().Err(err).Msg("claim failed")
		}
		return
	}
	o.Execute(ctx, run)
}

// Execute runs one claimed workflow to a terminal state, resuming from
// the persisted checkpoint when the run was claimed back from a
// crashed worker.
func (o *Orchestrator) Execute(ctx context.Context, run *model.WorkflowRun) {
	ctx = logging.WithWorkflowID(ctx, run.ID)
	log := logging.With(ctx, o.log)
	defer logging.TraceDuration(log, "Orchestrator.Execute")()

	if run.CancelRequested {
		o.finalizeCancelled(ctx, run, log)
		return
	}

	st := &runState{run: run}
	startIdx := o.restore(ctx, st, log)

	stageCtx, cancelStage := context.WithCancel(ctx)
	defer cancelStage()
	stopWatch := o.watchCancel(ctx, run.ID, cancelStage)
	defer stopWatch()

	for idx := startIdx; idx < len(o.activities); idx++ {
		act := o.activities[idx]

		if flag, _ := o.runs.IsCancelRequested(ctx, run.ID); flag {
			o.finalizeCancelled(ctx, run, log)
			return
		}

		if err := o.runStage(ctx, stageCtx, st, act, log); err != nil {
			if domain.KindOf(err) == domain.KindCancelled {
				o.finalizeCancelled(ctx, run, log)
				return
			}
			if flag, _ := o.runs.IsCancelRequested(ctx, run.ID); flag {
				o.finalizeCancelled(ctx, run, log)
				return
			}
			o.finalizeFailed(ctx, run, err, log)
			return
		}

		if err := o.checkpoint(ctx, st, act); err != nil {
			o.finalizeFailed(ctx, run,
				domain.NewStageError(domain.KindTransientIO, "could not persist stage checkpoint", err), log)
			return
		}
		if err := o.runs.ExtendLease(ctx, run.ID, o.cfg.Lease); err != nil {
			log.Warn().Err(err).Msg("lease extension failed")
		}
		o.pub.emit(ctx, run.ID, model.EventStageComplete, model.ProgressPayload{
			Stage: string(act.Stage()),
		})
	}

	o.finalizeCompleted(ctx, st, log)
}

// restore replays persisted stage outputs up to the checkpoint and
// returns the index of the first stage to execute. A missing or
// unreadable output pushes the start back to that stage; re-running a
// stage is always safe, skipping one never is.
func (o *Orchestrator) restore(ctx context.Context, st *runState, log *zerolog.Logger) int {
	target := 0
	for i, act := range o.activities {
		if act.Stage() == st.run.CurrentStage {
			target = i
			break
		}
	}
	for i := 0; i < target; i++ {
		act := o.activities[i]
		payload, err := o.runs.LoadStageOutput(ctx, st.run.ID, act.Stage())
		if err != nil {
			log.Warn().Err(err).Str("stage", string(act.Stage())).Msg("checkpoint output missing; re-running stage")
			return i
		}
		if err := act.Restore(st, payload); err != nil {
			log.Warn().Err(err).Str("stage", string(act.Stage())).Msg("checkpoint output unreadable; re-running stage")
			return i
		}
	}
	if target > 0 {
		log.Info().Str("stage", string(st.run.CurrentStage)).Msg("resuming from checkpoint")
		o.pub.emit(ctx, st.run.ID, model.EventStageProgress, model.ProgressPayload{
			Stage:   string(st.run.CurrentStage),
			Message: "resuming from checkpoint",
		})
	}
	return target
}

// checkpoint persists the stage output and advances the stage cursor
// in one transaction so a crash between the two cannot strand the run.
func (o *Orchestrator) checkpoint(ctx context.Context, st *runState, act StageActivity) error {
	payload, err := act.Output(st)
	if err != nil {
		return err
	}
	return o.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := o.runs.SaveStageOutput(ctx, tx, st.run.ID, act.Stage(), payload); err != nil {
			return err
		}
		if next, ok := model.NextStage(act.Stage()); ok {
			return o.runs.CheckpointStage(ctx, tx, st.run.ID, next)
		}
		return nil
	})
}

// runStage executes one stage with the bounded retry policy. Attempt
// numbering continues where a previous claimant left off.
func (o *Orchestrator) runStage(ctx, stageCtx context.Context, st *runState, act StageActivity, log *zerolog.Logger) error {
	stage := act.Stage()
	sLog := log.With().Str("stage", string(stage)).Logger()

	last, err := o.attempts.LatestAttempt(ctx, st.run.ID, stage)
	if err != nil {
		last = 0
	}

	var lastErr error
	for n := last + 1; n <= o.cfg.MaxAttempts; n++ {
		a := &model.StageAttempt{
			ID:        uuid.NewString(),
			RunID:     st.run.ID,
			Stage:     stage,
			Attempt:   n,
			StartedAt: time.Now(),
		}
		if err := o.attempts.Record(ctx, nil, a); err != nil {
			sLog.Warn().Err(err).Int("attempt", n).Msg("could not record attempt start")
		}

		aCtx, cancel := context.WithTimeout(stageCtx, o.cfg.StageTimeout)
		execErr := act.Execute(aCtx, st, o.pub)
		cancel()
		ended := time.Now()
		a.EndedAt = &ended

		if execErr == nil {
			a.Outcome = model.OutcomeSuccess
			_ = o.attempts.Record(ctx, nil, a)
			metrics.IncStageAttempt(string(stage), string(model.OutcomeSuccess))
			return nil
		}

		kind := domain.KindOf(execErr)
		a.ErrorKind = string(kind)
		a.ErrorMsg = domain.MessageOf(execErr)
		if kind.Retryable() {
			a.Outcome = model.OutcomeRetryableFailure
		} else {
			a.Outcome = model.OutcomeFatalFailure
		}
		_ = o.attempts.Record(ctx, nil, a)
		metrics.IncStageAttempt(string(stage), string(a.Outcome))

		if kind == domain.KindCancelled || !kind.Retryable() || n == o.cfg.MaxAttempts {
			return execErr
		}
		lastErr = execErr

		backoff := o.backoffFor(kind, n)
		sLog.Warn().Err(execErr).Int("attempt", n).Dur("backoff", backoff).Msg("stage attempt failed; retrying")
		o.pub.emit(ctx, st.run.ID, model.EventStageProgress, model.ProgressPayload{
			Stage:     string(stage),
			Message:   fmt.Sprintf("retrying %s (attempt %d of %d)", stage, n+1, o.cfg.MaxAttempts),
			ErrorKind: string(kind),
		})
		if err := o.sleep(stageCtx, backoff); err != nil {
			return err
		}
	}

	if lastErr == nil {
		lastErr = domain.NewStageError(domain.KindServiceRejection, "stage attempts exhausted", nil)
	}
	return lastErr
}

// backoffFor doubles per attempt from the kind's base, capped.
// Capacity errors start from a longer base so the pipeline backs off
// rate limits instead of hammering them.
func (o *Orchestrator) backoffFor(kind domain.ErrorKind, attempt int) time.Duration {
	base := o.cfg.BackoffBase
	if kind == domain.KindCapacityExceeded {
		base = o.cfg.CapacityBackoff
	}
	d := base * (1 << uint(attempt-1))
	if o.cfg.BackoffMax > 0 && d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d
}

// watchCancel polls the cancel flag and tears down the active stage
// context when it flips. Returns a stop function.
func (o *Orchestrator) watchCancel(ctx context.Context, runID string, cancelStage context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.cfg.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if flag, err := o.runs.IsCancelRequested(ctx, runID); err == nil && flag {
					cancelStage()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, st *runState, log *zerolog.Logger) {
	final := o.activities[len(o.activities)-1]
	result, err := final.Output(st)
	if err != nil {
		o.finalizeFailed(ctx, st.run,
			domain.NewStageError(domain.KindServiceRejection, "could not encode run result", err), log)
		return
	}

	ok, err := o.runs.MarkCompleted(ctx, st.run.ID, result)
	if err != nil {
		log.Error().Err(err).Msg("could not mark run completed")
		return
	}
	if !ok {
		// Cancellation raced the final stage; the guarded transition
		// discarded the late result.
		o.finalizeCancelled(ctx, st.run, log)
		return
	}

	o.pub.emit(ctx, st.run.ID, model.EventCompleted, model.ProgressPayload{Result: result})
	metrics.ObserveRunFinished(string(model.RunStatusCompleted), time.Since(st.run.StartedAt))
	o.snapshot(ctx, st.run, model.RunStatusCompleted)
	log.Info().Msg("run completed")
}

func (o *Orchestrator) finalizeFailed(ctx context.Context, run *model.WorkflowRun, cause error, log *zerolog.Logger) {
	kind := domain.KindOf(cause)
	msg := domain.MessageOf(cause)

	ok, err := o.runs.MarkFailed(ctx, run.ID, string(kind), msg)
	if err != nil {
		log.Error().Err(err).Msg("could not mark run failed")
		return
	}
	if !ok {
		o.finalizeCancelled(ctx, run, log)
		return
	}

	o.pub.emit(ctx, run.ID, model.EventFailed, model.ProgressPayload{
		ErrorKind: string(kind),
		Message:   msg,
	})
	metrics.ObserveRunFinished(string(model.RunStatusFailed), time.Since(run.StartedAt))
	o.snapshot(ctx, run, model.RunStatusFailed)
	log.Error().Err(cause).Str("error_kind", string(kind)).Msg("run failed")
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, run *model.WorkflowRun, log *zerolog.Logger) {
	ok, err := o.runs.MarkCancelled(ctx, run.ID)
	if err != nil {
		log.Error().Err(err).Msg("could not mark run cancelled")
		return
	}
	if !ok {
		// already terminal
		return
	}

	o.pub.emit(ctx, run.ID, model.EventFailed, model.ProgressPayload{
		ErrorKind: string(domain.KindCancelled),
		Message:   "analysis cancelled",
	})
	metrics.ObserveRunFinished(string(model.RunStatusCancelled), time.Since(run.StartedAt))
	o.snapshot(ctx, run, model.RunStatusCancelled)
	log.Info().Msg("run cancelled")
}

func (o *Orchestrator) snapshot(ctx context.Context, run *model.WorkflowRun, status model.RunStatus) {
	if o.cache == nil {
		return
	}
	snap := *run
	snap.Status = status
	now := time.Now()
	snap.CompletedAt = &now
	snap.UpdatedAt = now
	if err := o.cache.Store(ctx, &snap); err != nil {
		o.log.Warn().Err(err).Str("workflow_id", run.ID).Msg("status snapshot failed")
	}
}
