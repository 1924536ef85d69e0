package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. Single-row mutations run in
// their own transaction with SELECT ... FOR UPDATE; ledger dedup keys live in
// ledger_mutations and are inserted in the same transaction as the row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// errSkip aborts a transaction without surfacing an error to the caller.
var errSkip = errors.New("skip")

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Balances ---

const balanceColumns = `provider, token, total_deposited, available_balance, locked_balance,
	earned_premiums, withdrawn_premiums, pending_premiums, last_updated`

func scanBalance(r rowScanner) (*state.ProviderBalance, error) {
	var b state.ProviderBalance
	if err := r.Scan(&b.Provider, &b.Token, &b.TotalDeposited, &b.AvailableBalance, &b.LockedBalance,
		&b.EarnedPremiums, &b.WithdrawnPremiums, &b.PendingPremiums, &b.LastUpdated); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) MutateBalance(ctx context.Context, key state.BalanceKey, dedupKey string, fn BalanceMutation) (*state.ProviderBalance, bool, error) {
	var (
		result  *state.ProviderBalance
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_balances (provider, token) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			key.Provider, key.Token,
		); err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}

		current, err := scanBalance(tx.QueryRowContext(ctx,
			`SELECT `+balanceColumns+` FROM provider_balances WHERE provider = $1 AND token = $2 FOR UPDATE`,
			key.Provider, key.Token,
		))
		if err != nil {
			return fmt.Errorf("lock balance row: %w", err)
		}

		if dedupKey != "" {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO ledger_mutations (dedup_key, provider, token) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				dedupKey, key.Provider, key.Token,
			)
			if err != nil {
				return fmt.Errorf("record dedup key: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				result = current
				return errSkip
			}
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE provider_balances SET
				total_deposited = $3, available_balance = $4, locked_balance = $5,
				earned_premiums = $6, withdrawn_premiums = $7, pending_premiums = $8,
				last_updated = $9
			WHERE provider = $1 AND token = $2`,
			key.Provider, key.Token, next.TotalDeposited, next.AvailableBalance, next.LockedBalance,
			next.EarnedPremiums, next.WithdrawnPremiums, next.PendingPremiums, next.LastUpdated,
		); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		result = next
		applied = true
		return nil
	})
	if errors.Is(err, errSkip) {
		return result, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, key state.BalanceKey) (*state.ProviderBalance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM provider_balances WHERE provider = $1 AND token = $2`,
		key.Provider, key.Token,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("balance %s: %w", key, state.ErrNotFound)
	}
	return b, err
}

func (s *PostgresStore) ListBalances(ctx context.Context, filter BalanceFilter) ([]*state.ProviderBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM provider_balances
		WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR token = $2)
		ORDER BY token, provider`,
		filter.Provider, filter.Token,
	)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []*state.ProviderBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT token FROM provider_balances ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// --- Allocations ---

const allocationColumns = `policy_id, provider, token, allocated_amount, allocation_percentage, premium_share,
	status, premium_distributed, settlement_tx_id, settled_amount, created_at, updated_at`

func scanAllocation(r rowScanner) (*state.PolicyAllocation, error) {
	var (
		a      state.PolicyAllocation
		status string
	)
	if err := r.Scan(&a.PolicyID, &a.Provider, &a.Token, &a.AllocatedAmount, &a.AllocationPercentage, &a.PremiumShare,
		&status, &a.PremiumDistributed, &a.SettlementTxID, &a.SettledAmount, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = state.AllocationStatus(status)
	return &a, nil
}

func (s *PostgresStore) InsertAllocations(ctx context.Context, allocs []*state.PolicyAllocation) error {
	if len(allocs) == 0 {
		return fmt.Errorf("%w: empty allocation batch", state.ErrInvalidArgument)
	}
	policyID := allocs[0].PolicyID

	query := `INSERT INTO policy_allocations
		(policy_id, provider, token, allocated_amount, allocation_percentage, premium_share,
		 status, premium_distributed, settlement_tx_id, settled_amount, created_at, updated_at)
		VALUES `
	values := make([]string, 0, len(allocs))
	args := make([]any, 0, len(allocs)*12)
	for i, a := range allocs {
		if a.PolicyID != policyID {
			return fmt.Errorf("%w: allocation batch spans policies %s and %s", state.ErrInvalidArgument, policyID, a.PolicyID)
		}
		base := i * 12
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12,
		))
		args = append(args,
			a.PolicyID, a.Provider, a.Token, a.AllocatedAmount, a.AllocationPercentage, a.PremiumShare,
			string(a.Status), a.PremiumDistributed, a.SettlementTxID, a.SettledAmount, a.CreatedAt, a.UpdatedAt,
		)
	}
	query += strings.Join(values, ", ")

	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Serializes concurrent batch inserts for the same policy.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "policy:"+policyID); err != nil {
			return fmt.Errorf("lock policy %s: %w", policyID, err)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM policy_allocations WHERE policy_id = $1)`, policyID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check policy %s: %w", policyID, err)
		}
		if exists {
			return fmt.Errorf("allocations for policy %s: %w", policyID, state.ErrAlreadyExists)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("allocations for policy %s: %w", policyID, state.ErrAlreadyExists)
			}
			return fmt.Errorf("insert allocations: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) queryAllocations(ctx context.Context, query string, args ...any) ([]*state.PolicyAllocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var out []*state.PolicyAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAllocations(ctx context.Context, policyID string) ([]*state.PolicyAllocation, error) {
	return s.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM policy_allocations WHERE policy_id = $1 ORDER BY allocated_amount DESC, provider`,
		policyID)
}

func (s *PostgresStore) ListAllocationsByProvider(ctx context.Context, provider string) ([]*state.PolicyAllocation, error) {
	return s.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM policy_allocations WHERE provider = $1 ORDER BY created_at, policy_id`,
		provider)
}

func (s *PostgresStore) UpdateAllocation(ctx context.Context, policyID, provider string, fn func(a *state.PolicyAllocation) error) (*state.PolicyAllocation, error) {
	var result *state.PolicyAllocation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAllocation(tx.QueryRowContext(ctx,
			`SELECT `+allocationColumns+` FROM policy_allocations WHERE policy_id = $1 AND provider = $2 FOR UPDATE`,
			policyID, provider,
		))
		if err == sql.ErrNoRows {
			return fmt.Errorf("allocation %s/%s: %w", policyID, provider, state.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock allocation: %w", err)
		}
		if err := fn(a); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE policy_allocations SET
				status = $3, premium_distributed = $4, settlement_tx_id = $5, settled_amount = $6, updated_at = $7
			WHERE policy_id = $1 AND provider = $2`,
			policyID, provider, string(a.Status), a.PremiumDistributed, a.SettlementTxID, a.SettledAmount, a.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		result = a
		return nil
	})
	return result, err
}

func (s *PostgresStore) CountActivePolicies(ctx context.Context, token string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT policy_id) FROM policy_allocations WHERE token = $1 AND status = 'ACTIVE'`,
		token,
	).Scan(&n)
	return n, err
}

// --- Pending transactions ---

const pendingColumns = `id, provider, token, tx_type, amount, status, chain_tx_id, block_height, retry_count,
	payload, error, finalized, manual_intervention, created_at, updated_at, submitted_at`

func scanPending(r rowScanner) (*state.PendingPoolTransaction, error) {
	var (
		tx          state.PendingPoolTransaction
		txType      string
		status      string
		payload     []byte
		submittedAt sql.NullTime
	)
	if err := r.Scan(&tx.ID, &tx.Provider, &tx.Token, &txType, &tx.Amount, &status, &tx.ChainTxID, &tx.BlockHeight,
		&tx.RetryCount, &payload, &tx.Error, &tx.Finalized, &tx.ManualIntervention, &tx.CreatedAt, &tx.UpdatedAt,
		&submittedAt); err != nil {
		return nil, err
	}
	tx.TxType = state.TxType(txType)
	tx.Status = state.TxStatus(status)
	if submittedAt.Valid {
		ts := submittedAt.Time
		tx.SubmittedAt = &ts
	}
	p, err := state.UnmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", tx.ID, err)
	}
	tx.Payload = p
	return &tx, nil
}

func (s *PostgresStore) InsertPending(ctx context.Context, tx *state.PendingPoolTransaction) error {
	payload, err := state.MarshalPayload(tx.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_pool_transactions (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tx.ID, tx.Provider, tx.Token, string(tx.TxType), tx.Amount, string(tx.Status), tx.ChainTxID, tx.BlockHeight,
		tx.RetryCount, payload, tx.Error, tx.Finalized, tx.ManualIntervention, tx.CreatedAt, tx.UpdatedAt, tx.SubmittedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("pending transaction %s: %w", tx.ID, state.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert pending transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPending(ctx context.Context, id uuid.UUID) (*state.PendingPoolTransaction, error) {
	tx, err := scanPending(s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_pool_transactions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending transaction %s: %w", id, state.ErrNotFound)
	}
	return tx, err
}

func (s *PostgresStore) UpdatePending(ctx context.Context, id uuid.UUID, fn func(tx *state.PendingPoolTransaction) error) (*state.PendingPoolTransaction, error) {
	var result *state.PendingPoolTransaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ptx, err := scanPending(tx.QueryRowContext(ctx,
			`SELECT `+pendingColumns+` FROM pending_pool_transactions WHERE id = $1 FOR UPDATE`, id))
		if err == sql.ErrNoRows {
			return fmt.Errorf("pending transaction %s: %w", id, state.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock pending transaction: %w", err)
		}
		if err := fn(ptx); err != nil {
			return err
		}
		payload, err := state.MarshalPayload(ptx.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_pool_transactions SET
				status = $2, chain_tx_id = $3, block_height = $4, retry_count = $5, payload = $6,
				error = $7, finalized = $8, manual_intervention = $9, updated_at = $10, submitted_at = $11
			WHERE id = $1`,
			id, string(ptx.Status), ptx.ChainTxID, ptx.BlockHeight, ptx.RetryCount, payload,
			ptx.Error, ptx.Finalized, ptx.ManualIntervention, ptx.UpdatedAt, ptx.SubmittedAt,
		); err != nil {
			return fmt.Errorf("update pending transaction: %w", err)
		}
		result = ptx
		return nil
	})
	return result, err
}

func (s *PostgresStore) ListPending(ctx context.Context, filter PendingFilter) ([]*state.PendingPoolTransaction, error) {
	var updatedBefore any
	if !filter.UpdatedBefore.IsZero() {
		updatedBefore = filter.UpdatedBefore
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_pool_transactions
		WHERE ($1 = '' OR provider = $1)
		  AND ($2 = '' OR token = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR updated_at < $4)
		ORDER BY created_at
		LIMIT $5`,
		filter.Provider, filter.Token, string(filter.Status), updatedBefore, clampLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	var out []*state.PendingPoolTransaction
	for rows.Next() {
		tx, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// --- Transaction log ---

func (s *PostgresStore) AppendPoolTransaction(ctx context.Context, ptx *state.PoolTransaction) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_transactions
			(id, pending_id, provider, token, tx_type, amount, status, chain_tx_id, block_height, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		ptx.ID, ptx.PendingID, ptx.Provider, ptx.Token, string(ptx.TxType), ptx.Amount, string(ptx.Status),
		ptx.ChainTxID, ptx.BlockHeight, ptx.Description, ptx.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append pool transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ListPoolTransactions(ctx context.Context, filter TxLogFilter) ([]*state.PoolTransaction, error) {
	var since any
	if !filter.Since.IsZero() {
		since = filter.Since
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pending_id, provider, token, tx_type, amount, status, chain_tx_id, block_height, description, created_at
		FROM pool_transactions
		WHERE ($1 = '' OR provider = $1)
		  AND ($2 = '' OR token = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		filter.Provider, filter.Token, since, clampLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list pool transactions: %w", err)
	}
	defer rows.Close()

	var out []*state.PoolTransaction
	for rows.Next() {
		var (
			p              state.PoolTransaction
			txType, status string
		)
		if err := rows.Scan(&p.ID, &p.PendingID, &p.Provider, &p.Token, &txType, &p.Amount, &status,
			&p.ChainTxID, &p.BlockHeight, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.TxType = state.TxType(txType)
		p.Status = state.TxStatus(status)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Premium distributions ---

const distributionColumns = `policy_id, provider, batch_id, token, premium_amount, allocation_percentage,
	status, error, distribution_timestamp`

func scanDistribution(r rowScanner) (*state.ProviderPremiumDistribution, error) {
	var (
		d      state.ProviderPremiumDistribution
		status string
	)
	if err := r.Scan(&d.PolicyID, &d.Provider, &d.BatchID, &d.Token, &d.PremiumAmount, &d.AllocationPercentage,
		&status, &d.Error, &d.DistributionTimestamp); err != nil {
		return nil, err
	}
	d.Status = state.DistributionStatus(status)
	return &d, nil
}

func (s *PostgresStore) InsertDistribution(ctx context.Context, d *state.ProviderPremiumDistribution) (*state.ProviderPremiumDistribution, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO premium_distributions (`+distributionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (policy_id, provider, batch_id) DO NOTHING`,
		d.PolicyID, d.Provider, d.BatchID, d.Token, d.PremiumAmount, d.AllocationPercentage,
		string(d.Status), d.Error, d.DistributionTimestamp,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert distribution: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return d.Clone(), true, nil
	}
	existing, err := scanDistribution(s.db.QueryRowContext(ctx,
		`SELECT `+distributionColumns+` FROM premium_distributions WHERE policy_id = $1 AND provider = $2 AND batch_id = $3`,
		d.PolicyID, d.Provider, d.BatchID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("load existing distribution: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) UpdateDistribution(ctx context.Context, policyID, provider, batchID string, fn func(d *state.ProviderPremiumDistribution) error) (*state.ProviderPremiumDistribution, error) {
	var result *state.ProviderPremiumDistribution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDistribution(tx.QueryRowContext(ctx,
			`SELECT `+distributionColumns+` FROM premium_distributions
			WHERE policy_id = $1 AND provider = $2 AND batch_id = $3 FOR UPDATE`,
			policyID, provider, batchID,
		))
		if err == sql.ErrNoRows {
			return fmt.Errorf("distribution %s/%s/%s: %w", policyID, provider, batchID, state.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock distribution: %w", err)
		}
		if err := fn(d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE premium_distributions SET status = $4, error = $5, distribution_timestamp = $6
			WHERE policy_id = $1 AND provider = $2 AND batch_id = $3`,
			policyID, provider, batchID, string(d.Status), d.Error, d.DistributionTimestamp,
		); err != nil {
			return fmt.Errorf("update distribution: %w", err)
		}
		result = d
		return nil
	})
	return result, err
}

func (s *PostgresStore) ListDistributions(ctx context.Context, policyID string) ([]*state.ProviderPremiumDistribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+distributionColumns+` FROM premium_distributions WHERE policy_id = $1 ORDER BY batch_id, provider`,
		policyID)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	defer rows.Close()

	var out []*state.ProviderPremiumDistribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumDistributedPremiums(ctx context.Context, token string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(premium_amount), 0) FROM premium_distributions
		WHERE token = $1 AND status = 'COMPLETED' AND distribution_timestamp >= $2`,
		token, since,
	).Scan(&total)
	return total, err
}

// --- Settlements ---

const settlementColumns = `chain_tx_id, policy_id, token, amount, block_height, recipient, contributions,
	status, failed_providers, created_at, updated_at`

func scanSettlement(r rowScanner) (*state.SettlementRecord, error) {
	var (
		rec                   state.SettlementRecord
		status                string
		contributions, failed []byte
	)
	if err := r.Scan(&rec.ChainTxID, &rec.PolicyID, &rec.Token, &rec.Amount, &rec.BlockHeight, &rec.Recipient,
		&contributions, &status, &failed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = state.SettlementStatus(status)
	if err := json.Unmarshal(contributions, &rec.Contributions); err != nil {
		return nil, fmt.Errorf("decode contributions: %w", err)
	}
	if err := json.Unmarshal(failed, &rec.FailedProviders); err != nil {
		return nil, fmt.Errorf("decode failed providers: %w", err)
	}
	return &rec, nil
}

func encodeSettlementLists(rec *state.SettlementRecord) ([]byte, []byte, error) {
	contributions, err := json.Marshal(rec.Contributions)
	if err != nil {
		return nil, nil, err
	}
	failed := rec.FailedProviders
	if failed == nil {
		failed = []string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return nil, nil, err
	}
	return contributions, failedJSON, nil
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, rec *state.SettlementRecord) error {
	contributions, failed, err := encodeSettlementLists(rec)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ChainTxID, rec.PolicyID, rec.Token, rec.Amount, rec.BlockHeight, rec.Recipient, contributions,
		string(rec.Status), failed, rec.CreatedAt, rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("settlement %s: %w", rec.ChainTxID, state.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, chainTxID string) (*state.SettlementRecord, error) {
	rec, err := scanSettlement(s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE chain_tx_id = $1`, chainTxID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("settlement %s: %w", chainTxID, state.ErrNotFound)
	}
	return rec, err
}

func (s *PostgresStore) UpdateSettlement(ctx context.Context, chainTxID string, fn func(rec *state.SettlementRecord) error) (*state.SettlementRecord, error) {
	var result *state.SettlementRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanSettlement(tx.QueryRowContext(ctx,
			`SELECT `+settlementColumns+` FROM settlements WHERE chain_tx_id = $1 FOR UPDATE`, chainTxID))
		if err == sql.ErrNoRows {
			return fmt.Errorf("settlement %s: %w", chainTxID, state.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock settlement: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
		_, failed, err := encodeSettlementLists(rec)
		if err != nil {
			return fmt.Errorf("encode settlement: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE settlements SET status = $2, failed_providers = $3, updated_at = $4 WHERE chain_tx_id = $1`,
			chainTxID, string(rec.Status), failed, rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update settlement: %w", err)
		}
		result = rec
		return nil
	})
	return result, err
}

// --- Metrics ---

const metricsColumns = `token, version, ts, total_liquidity, available_liquidity, locked_liquidity,
	total_providers, active_policies, utilization_rate, annualized_yield`

func scanMetrics(r rowScanner) (*state.PoolMetrics, error) {
	var m state.PoolMetrics
	if err := r.Scan(&m.Token, &m.Version, &m.Timestamp, &m.TotalLiquidity, &m.AvailableLiquidity, &m.LockedLiquidity,
		&m.TotalProviders, &m.ActivePolicies, &m.UtilizationRate, &m.AnnualizedYield); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) AppendMetrics(ctx context.Context, m *state.PoolMetrics) (*state.PoolMetrics, error) {
	stored := *m
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "metrics:"+m.Token); err != nil {
			return fmt.Errorf("lock metrics series: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM pool_metrics WHERE token = $1`, m.Token,
		).Scan(&stored.Version); err != nil {
			return fmt.Errorf("next metrics version: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pool_metrics (`+metricsColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			stored.Token, stored.Version, stored.Timestamp, stored.TotalLiquidity, stored.AvailableLiquidity,
			stored.LockedLiquidity, stored.TotalProviders, stored.ActivePolicies, stored.UtilizationRate,
			stored.AnnualizedYield,
		)
		if err != nil {
			return fmt.Errorf("insert metrics: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PostgresStore) LatestMetrics(ctx context.Context, token string) (*state.PoolMetrics, error) {
	m, err := scanMetrics(s.db.QueryRowContext(ctx,
		`SELECT `+metricsColumns+` FROM pool_metrics WHERE token = $1 ORDER BY version DESC LIMIT 1`, token))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("metrics for %s: %w", token, state.ErrNotFound)
	}
	return m, err
}

func (s *PostgresStore) ListMetrics(ctx context.Context, token string, limit int) ([]*state.PoolMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+metricsColumns+` FROM pool_metrics WHERE token = $1 ORDER BY version DESC LIMIT $2`,
		token, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []*state.PoolMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
