package impl

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/database"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/rs/zerolog"
)

// NonceStore persists wallet counters and pending nonces in SQLite.
type NonceStore struct {
	log      zerolog.Logger
	sqliteDB *database.SQLiteDB
}

var _ nonce.Store = (*NonceStore)(nil)

// NewNonceStore creates a new nonce store.
func NewNonceStore(sqliteDB *database.SQLiteDB) *NonceStore {
	log := sqliteDB.Log.With().
		Str("component", "noncestore").
		Logger()

	return &NonceStore{
		log:      log,
		sqliteDB: sqliteDB,
	}
}

// NextNonce returns the stored counter, seeding the row through initialize
// when the wallet was never seen before.
func (s *NonceStore) NextNonce(
	ctx context.Context,
	chainID relay.ChainID,
	addr common.Address,
	initialize func() (int64, error),
) (int64, error) {
	var next int64
	err := s.sqliteDB.DB.QueryRowContext(ctx,
		"SELECT last_used_nonce FROM nonce_state WHERE chain_id = ? AND address = ?",
		int64(chainID), addr.Hex()).Scan(&next)
	if err == nil {
		return next, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("reading wallet counter: %s", err)
	}

	next, err = initialize()
	if err != nil {
		return 0, fmt.Errorf("initializing wallet counter: %s", err)
	}
	if _, err := s.sqliteDB.DB.ExecContext(ctx, `
		INSERT INTO nonce_state (chain_id, address, last_used_nonce, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (chain_id, address) DO NOTHING`,
		int64(chainID), addr.Hex(), next, time.Now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("seeding wallet counter: %s", err)
	}
	s.log.Info().
		Int64("chainId", int64(chainID)).
		Str("address", addr.Hex()).
		Int64("nextNonce", next).
		Msg("wallet counter initialized")
	return next, nil
}

// SetNextNonce overwrites the stored counter.
func (s *NonceStore) SetNextNonce(
	ctx context.Context, chainID relay.ChainID, addr common.Address, next int64,
) error {
	if _, err := s.sqliteDB.DB.ExecContext(ctx, `
		INSERT INTO nonce_state (chain_id, address, last_used_nonce, updated_at) VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT (chain_id, address) DO UPDATE SET last_used_nonce = ?3, updated_at = ?4`,
		int64(chainID), addr.Hex(), next, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("writing wallet counter: %s", err)
	}
	return nil
}

// CompareAndSetNextNonce overwrites the counter only when it still holds
// expected.
func (s *NonceStore) CompareAndSetNextNonce(
	ctx context.Context, chainID relay.ChainID, addr common.Address, expected, next int64,
) (bool, error) {
	res, err := s.sqliteDB.DB.ExecContext(ctx, `
		UPDATE nonce_state SET last_used_nonce = ?, updated_at = ?
		WHERE chain_id = ? AND address = ? AND last_used_nonce = ?`,
		next, time.Now().UnixMilli(), int64(chainID), addr.Hex(), expected)
	if err != nil {
		return false, fmt.Errorf("conditional counter write: %s", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting affected rows: %s", err)
	}
	return rows == 1, nil
}

// InsertPending records a handed-out nonce.
func (s *NonceStore) InsertPending(ctx context.Context, p nonce.PendingNonce) error {
	if _, err := s.sqliteDB.DB.ExecContext(ctx, `
		INSERT INTO pending_nonces
		(chain_id, address, nonce, queue_id, max_fee_per_gas, max_priority_fee_per_gas, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(p.ChainID), p.Address.Hex(), p.Nonce, p.QueueID,
		bigString(p.MaxFeePerGas), bigString(p.MaxPriorityFeePerGas),
		time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("inserting pending nonce: %s", err)
	}
	return nil
}

// UpdatePendingFees refreshes the recorded fee pair for an allocated nonce.
func (s *NonceStore) UpdatePendingFees(
	ctx context.Context, chainID relay.ChainID, addr common.Address, n int64, fees nonce.Fees,
) error {
	res, err := s.sqliteDB.DB.ExecContext(ctx, `
		UPDATE pending_nonces SET max_fee_per_gas = ?, max_priority_fee_per_gas = ?
		WHERE chain_id = ? AND address = ? AND nonce = ?`,
		bigString(fees.MaxFeePerGas), bigString(fees.MaxPriorityFeePerGas),
		int64(chainID), addr.Hex(), n)
	if err != nil {
		return fmt.Errorf("updating pending fees: %s", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("no pending record for nonce %d", n)
	}
	return nil
}

// DeletePending drops a pending record.
func (s *NonceStore) DeletePending(
	ctx context.Context, chainID relay.ChainID, addr common.Address, n int64,
) error {
	if _, err := s.sqliteDB.DB.ExecContext(ctx,
		"DELETE FROM pending_nonces WHERE chain_id = ? AND address = ? AND nonce = ?",
		int64(chainID), addr.Hex(), n); err != nil {
		return fmt.Errorf("deleting pending nonce: %s", err)
	}
	return nil
}

// ListPending returns the pending nonces for a wallet, lowest first.
func (s *NonceStore) ListPending(
	ctx context.Context, chainID relay.ChainID, addr common.Address,
) ([]nonce.PendingNonce, error) {
	rows, err := s.sqliteDB.DB.QueryContext(ctx, `
		SELECT chain_id, address, nonce, queue_id, max_fee_per_gas, max_priority_fee_per_gas, created_at
		FROM pending_nonces WHERE chain_id = ? AND address = ? ORDER BY nonce ASC`,
		int64(chainID), addr.Hex())
	if err != nil {
		return nil, fmt.Errorf("listing pending nonces: %s", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing rows")
		}
	}()

	pending := make([]nonce.PendingNonce, 0)
	for rows.Next() {
		var (
			chain, n, createdAt int64
			address, queueID    string
			maxFee, maxTip      sql.NullString
		)
		if err := rows.Scan(&chain, &address, &n, &queueID, &maxFee, &maxTip, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pending nonce: %s", err)
		}
		pending = append(pending, nonce.PendingNonce{
			ChainID:              relay.ChainID(chain),
			Address:              common.HexToAddress(address),
			Nonce:                n,
			QueueID:              queueID,
			MaxFeePerGas:         parseBig(maxFee),
			MaxPriorityFeePerGas: parseBig(maxTip),
			CreatedAt:            time.UnixMilli(createdAt),
		})
	}
	return pending, rows.Err()
}

// DeleteOrphanedPending removes records past the retention horizon whose
// owning transaction is terminal or no longer exists.
func (s *NonceStore) DeleteOrphanedPending(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.sqliteDB.DB.ExecContext(ctx, `
		DELETE FROM pending_nonces WHERE created_at < ? AND NOT EXISTS (
			SELECT 1 FROM queued_transactions qt
			WHERE qt.queue_id = pending_nonces.queue_id
			  AND qt.status NOT IN ('mined', 'errored', 'cancelled')
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned pending nonces: %s", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %s", err)
	}
	return deleted, nil
}

func bigString(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseBig(v sql.NullString) *big.Int {
	if !v.Valid {
		return nil
	}
	n, _ := new(big.Int).SetString(v.String, 10)
	return n
}
