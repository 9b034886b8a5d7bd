package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offramp/internal/clock"
	"offramp/internal/dlq"
	"offramp/internal/domain"
	"offramp/internal/ledger"
	"offramp/internal/metrics"
	"offramp/internal/offramp"
	"offramp/internal/payout"
)

const (
	JobRedrive = "dlq_redrive"
	JobPoll    = "pending_poll"
	JobPurge   = "idempotency_purge"
)

const maxPollBackoff = time.Hour

type Orchestrator interface {
	Confirm(ctx context.Context, c offramp.Confirmation) (ledger.Record, error)
	Redrive(ctx context.Context, rec ledger.Record) (ledger.Record, error)
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, checkoutRequestID string) (payout.QueryResult, error)
}

type DeadLetterQueue interface {
	List() ([]dlq.Entry, error)
	Put(e dlq.Entry) (dlq.Entry, error)
	Remove(id string) error
	Depth() (int, error)
}

type PendingLister interface {
	ListByStatus(ctx context.Context, status ledger.Status, olderThan time.Time, after ledger.Cursor, limit int) ([]ledger.Record, error)
}

// ExpiredPurger drops idempotency keys past their window.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config schedules use robfig/cron syntax. PendingAge is how long an
// initiated record waits for its callback before the provider is asked
// directly. A record whose query fails or is still pending is asked again
// after PollBackoff, doubling per attempt up to an hour.
type Config struct {
	RedriveSchedule string
	PollSchedule    string
	PurgeSchedule   string
	PendingAge      time.Duration
	PollBackoff     time.Duration
	BatchSize       int
	MaxAttempts     int
	QueryTimeout    time.Duration
	RunTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		RedriveSchedule: "@every 1m",
		PollSchedule:    "@every 2m",
		PurgeSchedule:   "@every 1h",
		PendingAge:      2 * time.Minute,
		PollBackoff:     2 * time.Minute,
		BatchSize:       50,
		MaxAttempts:     30,
		QueryTimeout:    10 * time.Second,
		RunTimeout:      time.Minute,
	}
}

type Deps struct {
	Service Orchestrator
	Querier StatusQuerier
	Pending PendingLister
	Queue   DeadLetterQueue
	Purger  ExpiredPurger
	Clock   clock.Clock
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

// Reconciler closes the gaps the request path leaves open: initiated
// records that never reached the ledger, and pushes whose callback never
// arrived.
type Reconciler struct {
	cfg     Config
	deps    Deps
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *metrics.Registry
	clock   clock.Clock

	mu    sync.Mutex
	polls map[string]pollState
}

// pollState tracks a pending record whose status could not be settled yet.
type pollState struct {
	attempts int
	nextAt   time.Time
}

func New(cfg Config, deps Deps) (*Reconciler, error) {
	if deps.Service == nil {
		return nil, errors.New("reconcile: service is required")
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.PendingAge <= 0 {
		cfg.PendingAge = def.PendingAge
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = def.PollBackoff
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	logger := deps.Logger.Named("reconcile")
	cl := cronLogger{logger.Sugar()}
	return &Reconciler{
		cfg:     cfg,
		deps:    deps,
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		logger:  logger,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		polls:   make(map[string]pollState),
	}, nil
}

// Start registers the jobs whose dependencies are present and starts the
// scheduler. An empty schedule disables that job.
func (r *Reconciler) Start() error {
	if r.deps.Queue != nil && r.cfg.RedriveSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.RedriveSchedule, r.run(JobRedrive, r.RedriveDeadLetters)); err != nil {
			return fmt.Errorf("schedule %s: %w", JobRedrive, err)
		}
		r.logger.Info("scheduled job", zap.String("job", JobRedrive), zap.String("schedule", r.cfg.RedriveSchedule))
	}
	if r.deps.Querier != nil && r.deps.Pending != nil && r.cfg.PollSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.PollSchedule, r.run(JobPoll, r.PollPending)); err != nil {
			return fmt.Errorf("schedule %s: %w", JobPoll, err)
		}
		r.logger.Info("scheduled job", zap.String("job", JobPoll), zap.String("schedule", r.cfg.PollSchedule))
	}
	if r.deps.Purger != nil && r.cfg.PurgeSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.PurgeSchedule, r.run(JobPurge, r.PurgeIdempotencyKeys)); err != nil {
			return fmt.Errorf("schedule %s: %w", JobPurge, err)
		}
		r.logger.Info("scheduled job", zap.String("job", JobPurge), zap.String("schedule", r.cfg.PurgeSchedule))
	}
	r.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done once running jobs
// have finished.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Reconciler) run(job string, fn func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RunTimeout)
		defer cancel()
		n, err := fn(ctx)
		if err != nil {
			r.metrics.IncReconcileRun(job, "error")
			r.logger.Error("reconcile job failed", zap.String("job", job), zap.Error(err))
			return
		}
		r.metrics.IncReconcileRun(job, "ok")
		if n > 0 {
			r.logger.Info("reconcile job finished", zap.String("job", job), zap.Int("resolved", n))
		}
	}
}

// RedriveDeadLetters re-appends every queued record and drops the entries
// that were written. It returns how many were written.
func (r *Reconciler) RedriveDeadLetters(ctx context.Context) (int, error) {
	q := r.deps.Queue
	if q == nil {
		return 0, nil
	}
	entries, err := q.List()
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer r.refreshDepth()

	written := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		logger := r.logger.With(zap.String("dlq_entry", e.ID), zap.String("transaction_id", e.Record.TransactionID))
		if r.cfg.MaxAttempts > 0 && e.Attempts >= r.cfg.MaxAttempts {
			logger.Error("dead letter exhausted its attempts; manual reconciliation required", zap.Int("attempts", e.Attempts))
			continue
		}

		_, err := r.deps.Service.Redrive(ctx, e.Record)
		if err == nil {
			if err := q.Remove(e.ID); err != nil {
				return written, err
			}
			written++
			continue
		}

		now := r.clock.Now()
		e.Attempts++
		e.LastTryAt = &now
		e.Error = err.Error()
		logger.Warn("dead letter redrive failed", zap.Int("attempts", e.Attempts), zap.Error(err))
		if _, perr := q.Put(e); perr != nil {
			return written, perr
		}
	}
	return written, nil
}

func (r *Reconciler) refreshDepth() {
	if r.deps.Queue == nil {
		return
	}
	depth, err := r.deps.Queue.Depth()
	if err != nil {
		r.logger.Warn("dlq depth unavailable", zap.Error(err))
		return
	}
	r.metrics.SetDLQDepth(depth)
}

// PollPending asks the provider about initiated records older than
// PendingAge and records any final answer. It pages through every eligible
// record, skipping those still backing off from an earlier unsettled
// query. It returns how many were settled.
func (r *Reconciler) PollPending(ctx context.Context) (int, error) {
	if r.deps.Querier == nil || r.deps.Pending == nil {
		return 0, nil
	}
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.PendingAge)
	seen := make(map[string]struct{})

	settled := 0
	var after ledger.Cursor
	for {
		recs, err := r.deps.Pending.ListByStatus(ctx, ledger.StatusInitiated, cutoff, after, r.cfg.BatchSize)
		if err != nil {
			return settled, fmt.Errorf("list pending: %w", err)
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return settled, err
			}
			seen[rec.TransactionID] = struct{}{}
			if rec.CheckoutRequestID == "" || !r.pollDue(rec.TransactionID, now) {
				continue
			}
			if r.pollOne(ctx, rec) {
				settled++
			}
		}
		if len(recs) < r.cfg.BatchSize {
			break
		}
		after = ledger.CursorAfter(recs[len(recs)-1])
	}

	r.forgetUnseen(seen)
	return settled, nil
}

// pollOne queries one record and confirms a final answer. It reports
// whether the record was settled by this call.
func (r *Reconciler) pollOne(ctx context.Context, rec ledger.Record) bool {
	logger := r.logger.With(zap.String("transaction_id", rec.TransactionID), zap.String("checkout_request_id", rec.CheckoutRequestID))

	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	res, err := r.deps.Querier.QueryStatus(qctx, rec.CheckoutRequestID)
	cancel()
	if err != nil {
		logger.Warn("status query failed", zap.Error(err))
		r.backOff(rec.TransactionID, logger)
		return false
	}
	if res.Pending {
		r.backOff(rec.TransactionID, logger)
		return false
	}

	_, err = r.deps.Service.Confirm(ctx, offramp.Confirmation{
		TransactionID:     rec.TransactionID,
		CheckoutRequestID: rec.CheckoutRequestID,
		Success:           res.Success,
		ResultCode:        res.ResultCode,
		ResultDesc:        res.ResultDesc,
		Source:            offramp.SourcePoll,
		OccurredAt:        r.clock.Now(),
	})
	switch {
	case err == nil:
		r.forget(rec.TransactionID)
		return true
	case domain.KindOf(err) == domain.KindConflictingState:
		// the callback settled it differently in the meantime
		logger.Warn("polled result conflicts with recorded status", zap.Error(err))
		r.forget(rec.TransactionID)
	default:
		logger.Error("polled result not recorded", zap.Error(err))
		r.backOff(rec.TransactionID, logger)
	}
	return false
}

func (r *Reconciler) pollDue(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.polls[id]
	if !ok {
		return true
	}
	if r.cfg.MaxAttempts > 0 && st.attempts >= r.cfg.MaxAttempts {
		return false
	}
	return !now.Before(st.nextAt)
}

func (r *Reconciler) backOff(id string, logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.polls[id]
	st.attempts++
	delay := r.cfg.PollBackoff << min(st.attempts-1, 10)
	if delay > maxPollBackoff || delay <= 0 {
		delay = maxPollBackoff
	}
	st.nextAt = r.clock.Now().Add(delay)
	r.polls[id] = st
	if r.cfg.MaxAttempts > 0 && st.attempts == r.cfg.MaxAttempts {
		logger.Error("pending payout still unsettled after polling; manual reconciliation required", zap.Int("attempts", st.attempts))
	}
}

func (r *Reconciler) forget(id string) {
	r.mu.Lock()
	delete(r.polls, id)
	r.mu.Unlock()
}

// forgetUnseen drops backoff state for records no longer pending.
func (r *Reconciler) forgetUnseen(seen map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.polls {
		if _, ok := seen[id]; !ok {
			delete(r.polls, id)
		}
	}
}

// PurgeIdempotencyKeys deletes idempotency keys whose window has passed.
func (r *Reconciler) PurgeIdempotencyKeys(ctx context.Context) (int, error) {
	if r.deps.Purger == nil {
		return 0, nil
	}
	n, err := r.deps.Purger.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(n), nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
