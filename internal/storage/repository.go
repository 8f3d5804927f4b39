package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertResultSQL = `INSERT INTO multiplier_results (
        round,
        wallet,
        username,
        multiplier,
        need_to_buy,
        current_balance,
        earned,
        sent_to_lp,
        net_transferred_to_lp,
        lp_residual,
        membership_spend,
        retention_ratio,
        minted,
        transfer_count,
        status,
        error,
        evaluated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (round, wallet) DO UPDATE
    SET
        username              = EXCLUDED.username,
        multiplier            = EXCLUDED.multiplier,
        need_to_buy           = EXCLUDED.need_to_buy,
        current_balance       = EXCLUDED.current_balance,
        earned                = EXCLUDED.earned,
        sent_to_lp            = EXCLUDED.sent_to_lp,
        net_transferred_to_lp = EXCLUDED.net_transferred_to_lp,
        lp_residual           = EXCLUDED.lp_residual,
        membership_spend      = EXCLUDED.membership_spend,
        retention_ratio       = EXCLUDED.retention_ratio,
        minted                = EXCLUDED.minted,
        transfer_count        = EXCLUDED.transfer_count,
        status                = EXCLUDED.status,
        error                 = EXCLUDED.error,
        evaluated_at          = EXCLUDED.evaluated_at;`

	selectResultColumns = `SELECT
        round,
        wallet,
        username,
        multiplier::text,
        need_to_buy::text,
        current_balance::text,
        earned::text,
        sent_to_lp::text,
        net_transferred_to_lp::text,
        lp_residual::text,
        membership_spend::text,
        retention_ratio::text,
        minted,
        transfer_count,
        status,
        error,
        evaluated_at
    FROM multiplier_results`

	listRoundSQL = selectResultColumns + `
    WHERE round = $1
    ORDER BY multiplier ASC, wallet
    LIMIT $2;`

	getResultSQL = selectResultColumns + `
    WHERE round = $1 AND wallet = $2;`

	summarizeRoundSQL = `SELECT
        round,
        COUNT(*),
        COUNT(*) FILTER (WHERE status <> 'complete'),
        COUNT(*) FILTER (WHERE status = 'complete' AND multiplier < 1),
        COALESCE(AVG(multiplier) FILTER (WHERE status = 'complete'), 0)::text,
        COALESCE(SUM(need_to_buy) FILTER (WHERE status = 'complete'), 0)::text,
        MAX(evaluated_at)
    FROM multiplier_results
    WHERE round = $1
    GROUP BY round;`

	deleteRoundSQL = `DELETE FROM multiplier_results WHERE round = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ResultStore defines operations for per-round result persistence.
type ResultStore interface {
	UpsertResult(ctx context.Context, rec ResultRecord) error
	ListRound(ctx context.Context, round int64, limit int) ([]ResultRecord, error)
	GetResult(ctx context.Context, round int64, wallet string) (ResultRecord, error)
	SummarizeRound(ctx context.Context, round int64) (RoundSummary, error)
	DeleteRound(ctx context.Context, round int64) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to multiplier results.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertResult persists or replaces a wallet's result for a round.
func (s *Store) UpsertResult(ctx context.Context, rec ResultRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	evaluatedAt := rec.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now().UTC()
	}

	_, execErr := pool.Exec(ctx, upsertResultSQL,
		rec.Round,
		rec.Wallet,
		rec.Username,
		rec.Multiplier.String(),
		rec.NeedToBuy.String(),
		rec.CurrentBalance.String(),
		rec.Earned.String(),
		rec.SentToLP.String(),
		rec.NetTransferredToLP.String(),
		rec.LPResidual.String(),
		rec.MembershipSpend.String(),
		rec.RetentionRatio.String(),
		rec.Minted,
		rec.TransferCount,
		rec.Status,
		errMsg,
		evaluatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert result: %w", execErr)
	}
	return nil
}

// ListRound lists a round's results, lowest multipliers first.
func (s *Store) ListRound(ctx context.Context, round int64, limit int) ([]ResultRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRoundSQL, round, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list round: %w", queryErr)
	}
	defer rows.Close()

	results := make([]ResultRecord, 0)
	for rows.Next() {
		rec, scanErr := scanResult(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// GetResult fetches a single wallet's result. Returns pgx.ErrNoRows when absent.
func (s *Store) GetResult(ctx context.Context, round int64, wallet string) (ResultRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ResultRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getResultSQL, round, wallet)
	if queryErr != nil {
		return ResultRecord{}, fmt.Errorf("get result: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return ResultRecord{}, rows.Err()
		}
		return ResultRecord{}, pgx.ErrNoRows
	}
	return scanResult(rows)
}

// SummarizeRound aggregates a round. Returns pgx.ErrNoRows for an unknown round.
func (s *Store) SummarizeRound(ctx context.Context, round int64) (RoundSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return RoundSummary{}, err
	}

	var (
		summary  RoundSummary
		meanStr  string
		needStr  string
		lastEval time.Time
	)
	if scanErr := pool.QueryRow(ctx, summarizeRoundSQL, round).Scan(
		&summary.Round,
		&summary.Wallets,
		&summary.Failed,
		&summary.Penalized,
		&meanStr,
		&needStr,
		&lastEval,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return RoundSummary{}, scanErr
		}
		return RoundSummary{}, fmt.Errorf("summarize round: %w", scanErr)
	}

	var convErr error
	summary.MeanMultiplier, convErr = decimal.NewFromString(meanStr)
	if convErr != nil {
		return RoundSummary{}, fmt.Errorf("parse mean multiplier: %w", convErr)
	}
	summary.TotalNeedToBuy, convErr = decimal.NewFromString(needStr)
	if convErr != nil {
		return RoundSummary{}, fmt.Errorf("parse need to buy: %w", convErr)
	}
	summary.LastEvaluated = lastEval
	return summary, nil
}

// DeleteRound removes every stored result of a round.
func (s *Store) DeleteRound(ctx context.Context, round int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRoundSQL, round); execErr != nil {
		return fmt.Errorf("delete round: %w", execErr)
	}
	return nil
}

func scanResult(rows pgx.Rows) (ResultRecord, error) {
	var (
		rec     ResultRecord
		amounts [9]string
		errMsg  sql.NullString
	)

	if err := rows.Scan(
		&rec.Round,
		&rec.Wallet,
		&rec.Username,
		&amounts[0],
		&amounts[1],
		&amounts[2],
		&amounts[3],
		&amounts[4],
		&amounts[5],
		&amounts[6],
		&amounts[7],
		&amounts[8],
		&rec.Minted,
		&rec.TransferCount,
		&rec.Status,
		&errMsg,
		&rec.EvaluatedAt,
	); err != nil {
		return ResultRecord{}, err
	}

	targets := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"multiplier", &rec.Multiplier},
		{"need_to_buy", &rec.NeedToBuy},
		{"current_balance", &rec.CurrentBalance},
		{"earned", &rec.Earned},
		{"sent_to_lp", &rec.SentToLP},
		{"net_transferred_to_lp", &rec.NetTransferredToLP},
		{"lp_residual", &rec.LPResidual},
		{"membership_spend", &rec.MembershipSpend},
		{"retention_ratio", &rec.RetentionRatio},
	}
	for i, target := range targets {
		value, err := decimal.NewFromString(amounts[i])
		if err != nil {
			return ResultRecord{}, fmt.Errorf("parse %s: %w", target.name, err)
		}
		*target.dst = value
	}

	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}

	return rec, nil
}

var (
	_ ResultStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
