package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"donut-multiplier/internal/alerting"
	"donut-multiplier/internal/config"
	"donut-multiplier/internal/metrics"
	"donut-multiplier/internal/multiplier"
	"donut-multiplier/internal/storage"
)

// ErrRoundLocked is returned when another process holds the round's advisory lock.
var ErrRoundLocked = errors.New("round is being evaluated by another process")

// Evaluator computes one wallet's multiplier.
type Evaluator interface {
	Compute(ctx context.Context, wallet string) (multiplier.Result, error)
}

// Entry is one wallet of a distribution round.
type Entry struct {
	Wallet   string
	Username string
}

// Outcome is the evaluation of a single entry. Err is set when the wallet failed.
type Outcome struct {
	Entry
	Result   multiplier.Result
	Err      error
	Duration time.Duration
}

// Failed reports whether the wallet could not be evaluated.
func (o Outcome) Failed() bool { return o.Err != nil }

// Request describes a batch run.
type Request struct {
	Round   int64
	Entries []Entry
	Workers int
}

// Report aggregates a batch run. Outcomes keep the order of the request entries.
type Report struct {
	Round          int64
	StartedAt      time.Time
	Duration       time.Duration
	Outcomes       []Outcome
	Succeeded      int
	Failed         int
	Penalized      int
	MeanMultiplier decimal.Decimal
	TotalNeedToBuy decimal.Decimal
}

// FailedWallets lists the wallets whose evaluation failed.
func (r *Report) FailedWallets() []string {
	wallets := make([]string, 0, r.Failed)
	for _, o := range r.Outcomes {
		if o.Failed() {
			wallets = append(wallets, o.Wallet)
		}
	}
	return wallets
}

// Service orchestrates batch evaluation, persistence, and alerting.
type Service struct {
	engine   Evaluator
	store    storage.ResultStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	logger   zerolog.Logger

	workers       int
	walletTimeout time.Duration
	lockKey       int64
	channels      []string
	alertsOn      bool
}

// New constructs the batch service. store and notifier may be nil.
func New(cfg *config.Config, engine Evaluator, store storage.ResultStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		engine:        engine,
		store:         store,
		locker:        locker,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		workers:       cfg.Batch.Workers,
		walletTimeout: cfg.Batch.WalletTimeout,
		lockKey:       cfg.Batch.AdvisoryLockKey,
		channels:      cfg.Alerting.Channels,
		alertsOn:      cfg.Alerting.Enabled,
	}
}

// Batch evaluates every entry with bounded parallelism. A failing wallet is
// recorded on its outcome and never stops the others; only cancellation of
// ctx interrupts the run.
func (s *Service) Batch(ctx context.Context, req Request) (*Report, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("evaluator not configured")
	}

	unlock, proceed, err := s.acquireLock(ctx, req.Round)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return nil, fmt.Errorf("round %d: %w", req.Round, ErrRoundLocked)
	}
	if unlock != nil {
		defer unlock()
	}

	// A re-run replaces the round, so rows of wallets dropped from the input
	// must not survive it.
	if s.store != nil {
		if err := s.store.DeleteRound(ctx, req.Round); err != nil {
			return nil, fmt.Errorf("clear round %d: %w", req.Round, err)
		}
	}

	workers := req.Workers
	if workers <= 0 {
		workers = s.workers
	}
	if workers <= 0 {
		workers = 1
	}

	started := time.Now()
	s.logger.Info().Int64("round", req.Round).
		Int("wallets", len(req.Entries)).
		Int("workers", workers).
		Msg("batch started")

	outcomes := make([]Outcome, len(req.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, entry := range req.Entries {
		i, entry := i, entry
		if err := gctx.Err(); err != nil {
			outcomes[i] = Outcome{Entry: entry, Err: err}
			continue
		}
		g.Go(func() error {
			outcomes[i] = s.evaluate(gctx, req.Round, entry)
			return nil
		})
	}
	_ = g.Wait()

	report := summarize(req.Round, started, outcomes)
	s.logger.Info().Int64("round", req.Round).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("penalized", report.Penalized).
		Str("mean_multiplier", report.MeanMultiplier.StringFixed(4)).
		Dur("duration", report.Duration).
		Msg("batch finished")

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("batch interrupted: %w", err)
	}

	s.notify(ctx, report)
	return report, nil
}

func (s *Service) evaluate(ctx context.Context, round int64, entry Entry) Outcome {
	walletCtx := ctx
	if s.walletTimeout > 0 {
		var cancel context.CancelFunc
		walletCtx, cancel = context.WithTimeout(ctx, s.walletTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.engine.Compute(walletCtx, entry.Wallet)
	outcome := Outcome{Entry: entry, Result: res, Err: err, Duration: time.Since(start)}

	metrics.EvaluationDuration.Observe(outcome.Duration.Seconds())
	if err != nil {
		metrics.Evaluations.WithLabelValues(storage.StatusFailed).Inc()
		s.logger.Warn().Err(err).Str("wallet", entry.Wallet).Msg("wallet evaluation failed")
	} else {
		metrics.Evaluations.WithLabelValues(storage.StatusComplete).Inc()
		metrics.Multipliers.Observe(res.Multiplier.InexactFloat64())
		s.logger.Debug().Str("wallet", entry.Wallet).
			Str("multiplier", res.Multiplier.String()).
			Dur("elapsed", outcome.Duration).
			Msg("wallet evaluated")
	}

	if s.store != nil {
		// persistence uses the parent context so a timed out wallet is still recorded
		if err := s.store.UpsertResult(ctx, toRecord(round, outcome)); err != nil {
			s.logger.Error().Err(err).Str("wallet", entry.Wallet).Msg("failed to persist result")
		}
	}
	return outcome
}

func (s *Service) notify(ctx context.Context, report *Report) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Round:          report.Round,
		StartedAt:      report.StartedAt,
		Duration:       report.Duration,
		Wallets:        len(report.Outcomes),
		Succeeded:      report.Succeeded,
		Failed:         report.Failed,
		Penalized:      report.Penalized,
		MeanMultiplier: report.MeanMultiplier,
		TotalNeedToBuy: report.TotalNeedToBuy,
		FailedWallets:  report.FailedWallets(),
		Channels:       s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Int64("round", report.Round).Msg("failed to dispatch summary")
	}
}

func (s *Service) acquireLock(ctx context.Context, round int64) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey+round)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func summarize(round int64, started time.Time, outcomes []Outcome) *Report {
	report := &Report{
		Round:          round,
		StartedAt:      started.UTC(),
		Duration:       time.Since(started),
		Outcomes:       outcomes,
		MeanMultiplier: decimal.Zero,
		TotalNeedToBuy: decimal.Zero,
	}

	sum := decimal.Zero
	one := decimal.NewFromInt(1)
	for _, o := range outcomes {
		if o.Failed() {
			report.Failed++
			continue
		}
		report.Succeeded++
		sum = sum.Add(o.Result.Multiplier)
		report.TotalNeedToBuy = report.TotalNeedToBuy.Add(o.Result.NeedToBuy)
		if o.Result.Multiplier.LessThan(one) {
			report.Penalized++
		}
	}
	if report.Succeeded > 0 {
		report.MeanMultiplier = sum.Div(decimal.NewFromInt(int64(report.Succeeded)))
	}
	return report
}

func toRecord(round int64, o Outcome) storage.ResultRecord {
	rec := storage.ResultRecord{
		Round:       round,
		Wallet:      o.Wallet,
		Username:    o.Username,
		Status:      storage.StatusComplete,
		EvaluatedAt: time.Now().UTC(),
	}
	if o.Err != nil {
		msg := o.Err.Error()
		rec.Status = storage.StatusFailed
		rec.Error = &msg
		return rec
	}

	res := o.Result
	rec.Multiplier = res.Multiplier
	rec.NeedToBuy = res.NeedToBuy
	rec.CurrentBalance = res.CurrentBalance
	rec.Earned = res.Earned
	rec.SentToLP = res.SentToLP
	rec.NetTransferredToLP = res.NetTransferredToLP
	rec.LPResidual = res.LPResidual
	rec.MembershipSpend = res.MembershipSpend
	rec.RetentionRatio = res.RetentionRatio
	rec.Minted = res.Minted
	rec.TransferCount = res.TransferCount
	return rec
}
