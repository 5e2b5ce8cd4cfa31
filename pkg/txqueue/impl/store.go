package impl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/database"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/rs/zerolog"
)

// TxStore is the SQLite implementation of the transaction store.
type TxStore struct {
	log        zerolog.Logger
	db         *database.SQLiteDB
	bus        txqueue.Bus
	maxRetries int
	maxPending int
}

var _ txqueue.Store = (*TxStore)(nil)

// NewTxStore creates a new transaction store. Every state transition is
// published on the bus after it is durably recorded.
func NewTxStore(db *database.SQLiteDB, bus txqueue.Bus, maxRetries, maxPendingPerWallet int) *TxStore {
	log := db.Log.With().
		Str("component", "txstore").
		Logger()

	return &TxStore{
		log:        log,
		db:         db,
		bus:        bus,
		maxRetries: maxRetries,
		maxPending: maxPendingPerWallet,
	}
}

const txColumns = `queue_id, chain_id, kind, status, idempotency_key, from_address, to_address,
	data, value, nonce, gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas,
	retry_gas_values, retry_count, error_message, transaction_hash, sent_at_block, mined_at_block,
	queued_at, sent_at, mined_at, processed_at, extension, custom_metadata`

// QueueTx persists a new queued row, or returns the existing queue id when
// the idempotency key was seen before in the wallet's scope.
func (s *TxStore) QueueTx(ctx context.Context, req txqueue.QueueRequest) (string, error) {
	if req.IdempotencyKey != "" {
		queueID, err := s.findByIdempotencyKey(ctx, req)
		if err != nil {
			return "", err
		}
		if queueID != "" {
			return queueID, nil
		}
	}

	pending, err := s.PendingCount(ctx, req.ChainID, req.From)
	if err != nil {
		return "", err
	}
	if pending >= s.maxPending {
		return "", txqueue.ErrQueueFull
	}

	queueID := uuid.NewString()
	kind := req.Kind
	if kind == "" {
		kind = txqueue.KindTransaction
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	_, err = s.db.DB.ExecContext(ctx, `
		INSERT INTO queued_transactions
		(queue_id, chain_id, kind, status, idempotency_key, from_address, to_address, data, value,
		 gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas, retry_gas_values,
		 queued_at, extension, custom_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		queueID, int64(req.ChainID), string(kind), string(txqueue.StatusQueued),
		nullString(req.IdempotencyKey), req.From.Hex(), req.To.Hex(), req.Data, value.String(),
		req.GasLimit, bigString(req.Gas.GasPrice), bigString(req.Gas.MaxFeePerGas),
		bigString(req.Gas.MaxPriorityFeePerGas), req.RetryGasValues,
		time.Now().UnixMilli(), nullString(req.Extension), nullString(req.CustomMetadata))
	if err != nil {
		// Two callers racing on the same idempotency key: the loser returns
		// the row the winner created.
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint && req.IdempotencyKey != "" {
			return s.findByIdempotencyKey(ctx, req)
		}
		return "", fmt.Errorf("inserting queued transaction: %s", err)
	}

	s.publish(ctx, txqueue.EventQueued, queueID, nil)
	return queueID, nil
}

func (s *TxStore) findByIdempotencyKey(ctx context.Context, req txqueue.QueueRequest) (string, error) {
	var queueID string
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT queue_id FROM queued_transactions
		WHERE chain_id = ? AND from_address = ? AND idempotency_key = ?`,
		int64(req.ChainID), req.From.Hex(), req.IdempotencyKey).Scan(&queueID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up idempotency key: %s", err)
	}
	return queueID, nil
}

// Get returns the record for a queue id.
func (s *TxStore) Get(ctx context.Context, queueID string) (txqueue.Tx, error) {
	row := s.db.DB.QueryRowContext(ctx,
		"SELECT "+txColumns+" FROM queued_transactions WHERE queue_id = ?", queueID)
	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return txqueue.Tx{}, txqueue.ErrNotFound
	}
	if err != nil {
		return txqueue.Tx{}, fmt.Errorf("getting queued transaction: %s", err)
	}
	return tx, nil
}

// ClaimQueued atomically moves up to limit queued rows to submitting.
func (s *TxStore) ClaimQueued(ctx context.Context, chainID relay.ChainID, limit int) ([]txqueue.Tx, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT queue_id FROM queued_transactions
		WHERE chain_id = ? AND status = ?
		ORDER BY queued_at ASC LIMIT ?`,
		int64(chainID), string(txqueue.StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("listing queued candidates: %s", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning candidate: %s", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing candidates: %s", err)
	}

	claimed := make([]txqueue.Tx, 0, len(candidates))
	for _, id := range candidates {
		res, err := s.db.DB.ExecContext(ctx, `
			UPDATE queued_transactions SET status = ?
			WHERE queue_id = ? AND status = ?`,
			string(txqueue.StatusSubmitting), id, string(txqueue.StatusQueued))
		if err != nil {
			return nil, fmt.Errorf("claiming %s: %s", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("getting affected rows: %s", err)
		}
		if n == 0 {
			// lost the race to another worker
			continue
		}
		tx, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, tx)
	}
	return claimed, nil
}

// Requeue reverts a submitting row back to queued.
func (s *TxStore) Requeue(ctx context.Context, queueID string) error {
	return s.transition(ctx, queueID, txqueue.StatusQueued,
		[]txqueue.Status{txqueue.StatusSubmitting},
		"UPDATE queued_transactions SET status = ? WHERE queue_id = ? AND status = ?",
		string(txqueue.StatusQueued), queueID, string(txqueue.StatusSubmitting))
}

// MarkSent records a successful broadcast.
func (s *TxStore) MarkSent(
	ctx context.Context,
	queueID string,
	nonce int64,
	hash common.Hash,
	gas txqueue.GasFees,
	blockNumber int64,
) error {
	now := time.Now().UnixMilli()
	err := s.transition(ctx, queueID, txqueue.StatusSent,
		[]txqueue.Status{txqueue.StatusSubmitting, txqueue.StatusRetrying}, `
		UPDATE queued_transactions
		SET status = ?, nonce = ?, transaction_hash = ?, gas_price = ?, max_fee_per_gas = ?,
		    max_priority_fee_per_gas = ?, sent_at = ?, sent_at_block = ?
		WHERE queue_id = ? AND status IN (?, ?)`,
		string(txqueue.StatusSent), nonce, hash.Hex(), bigString(gas.GasPrice),
		bigString(gas.MaxFeePerGas), bigString(gas.MaxPriorityFeePerGas), now, blockNumber,
		queueID, string(txqueue.StatusSubmitting), string(txqueue.StatusRetrying))
	if err != nil {
		return err
	}
	s.publish(ctx, txqueue.EventSent, queueID, nil)
	return nil
}

// MarkMined records inclusion at the given block.
func (s *TxStore) MarkMined(ctx context.Context, queueID string, blockNumber int64) error {
	now := time.Now().UnixMilli()
	err := s.transition(ctx, queueID, txqueue.StatusMined,
		[]txqueue.Status{txqueue.StatusSent}, `
		UPDATE queued_transactions
		SET status = ?, mined_at = ?, mined_at_block = ?, processed_at = ?
		WHERE queue_id = ? AND status = ?`,
		string(txqueue.StatusMined), now, blockNumber, now,
		queueID, string(txqueue.StatusSent))
	if err != nil {
		return err
	}
	s.publish(ctx, txqueue.EventMined, queueID, nil)
	return nil
}

// MarkErrored transitions to retrying when retryable and attempts remain,
// otherwise to terminal errored.
func (s *TxStore) MarkErrored(
	ctx context.Context,
	queueID string,
	msg string,
	retryable bool,
) (txqueue.Status, error) {
	dbTx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %s", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	var status string
	var retryCount int
	err = dbTx.QueryRowContext(ctx,
		"SELECT status, retry_count FROM queued_transactions WHERE queue_id = ?",
		queueID).Scan(&status, &retryCount)
	if err == sql.ErrNoRows {
		return "", txqueue.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading current status: %s", err)
	}

	from := txqueue.Status(status)
	if from != txqueue.StatusSubmitting && from != txqueue.StatusSent && from != txqueue.StatusRetrying {
		return "", &txqueue.InvalidTransitionError{QueueID: queueID, From: from, To: txqueue.StatusErrored}
	}

	next := txqueue.StatusErrored
	if retryable && retryCount < s.maxRetries {
		next = txqueue.StatusRetrying
	}

	now := time.Now().UnixMilli()
	if next == txqueue.StatusRetrying {
		_, err = dbTx.ExecContext(ctx, `
			UPDATE queued_transactions
			SET status = ?, retry_count = retry_count + 1, error_message = ?
			WHERE queue_id = ?`,
			string(next), msg, queueID)
	} else {
		_, err = dbTx.ExecContext(ctx, `
			UPDATE queued_transactions
			SET status = ?, error_message = ?, processed_at = ?
			WHERE queue_id = ?`,
			string(next), msg, now, queueID)
	}
	if err != nil {
		return "", fmt.Errorf("updating errored status: %s", err)
	}
	if err := dbTx.Commit(); err != nil {
		return "", fmt.Errorf("committing errored status: %s", err)
	}

	eventType := txqueue.EventErrored
	if next == txqueue.StatusRetrying {
		eventType = txqueue.EventRetrying
	}
	s.publish(ctx, eventType, queueID, nil)
	return next, nil
}

// Cancel aborts a record that hasn't been (re)broadcast yet. Only queued and
// retrying records can be cancelled; an already-sent transaction can't be
// un-broadcast.
func (s *TxStore) Cancel(ctx context.Context, queueID string) error {
	now := time.Now().UnixMilli()
	err := s.transition(ctx, queueID, txqueue.StatusCancelled,
		[]txqueue.Status{txqueue.StatusQueued, txqueue.StatusRetrying}, `
		UPDATE queued_transactions SET status = ?, processed_at = ?
		WHERE queue_id = ? AND status IN (?, ?)`,
		string(txqueue.StatusCancelled), now,
		queueID, string(txqueue.StatusQueued), string(txqueue.StatusRetrying))
	if err != nil {
		return err
	}
	s.publish(ctx, txqueue.EventCancelled, queueID, nil)
	return nil
}

// ListByStatus returns up to limit rows for a chain in the given status.
func (s *TxStore) ListByStatus(
	ctx context.Context,
	chainID relay.ChainID,
	status txqueue.Status,
	limit int,
) ([]txqueue.Tx, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		"SELECT "+txColumns+` FROM queued_transactions
		WHERE chain_id = ? AND status = ? ORDER BY queued_at ASC LIMIT ?`,
		int64(chainID), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing by status: %s", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing rows")
		}
	}()

	var txs []txqueue.Tx
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %s", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// PendingCount returns the number of non-terminal rows for a wallet.
func (s *TxStore) PendingCount(ctx context.Context, chainID relay.ChainID, from common.Address) (int, error) {
	var count int
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM queued_transactions
		WHERE chain_id = ? AND from_address = ? AND status IN (?, ?, ?, ?)`,
		int64(chainID), from.Hex(),
		string(txqueue.StatusQueued), string(txqueue.StatusSubmitting),
		string(txqueue.StatusSent), string(txqueue.StatusRetrying)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending: %s", err)
	}
	return count, nil
}

// Prune deletes the oldest terminal records beyond the retention count.
func (s *TxStore) Prune(ctx context.Context, retain int) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, `
		DELETE FROM queued_transactions WHERE queue_id IN (
			SELECT queue_id FROM queued_transactions
			WHERE status IN (?, ?, ?)
			ORDER BY COALESCE(processed_at, queued_at) DESC
			LIMIT -1 OFFSET ?
		)`,
		string(txqueue.StatusMined), string(txqueue.StatusErrored),
		string(txqueue.StatusCancelled), retain)
	if err != nil {
		return 0, fmt.Errorf("pruning terminal records: %s", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected rows: %s", err)
	}
	return deleted, nil
}

func (s *TxStore) transition(
	ctx context.Context,
	queueID string,
	to txqueue.Status,
	from []txqueue.Status,
	query string,
	args ...interface{},
) error {
	res, err := s.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning %s to %s: %s", queueID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %s", err)
	}
	if n == 1 {
		return nil
	}

	tx, err := s.Get(ctx, queueID)
	if err != nil {
		return err
	}
	return &txqueue.InvalidTransitionError{QueueID: queueID, From: tx.Status, To: to}
}

func (s *TxStore) publish(ctx context.Context, eventType txqueue.EventType, queueID string, delay *txqueue.DelayInfo) {
	tx, err := s.Get(ctx, queueID)
	if err != nil {
		s.log.Error().Err(err).Str("queueId", queueID).Msg("loading record for event")
		return
	}
	s.bus.Publish(txqueue.Event{
		Type:      eventType,
		Tx:        tx,
		Delay:     delay,
		Timestamp: time.Now(),
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(row rowScanner) (txqueue.Tx, error) {
	var (
		tx                                   txqueue.Tx
		chainID, queuedAt                    int64
		kind, status, from, to, value        string
		idemKey, gasPrice, maxFee, maxTip    sql.NullString
		errMsg, hash, extension, customMeta  sql.NullString
		nonce, sentAtBlock, minedAtBlock     sql.NullInt64
		sentAt, minedAt, processedAt         sql.NullInt64
	)
	err := row.Scan(
		&tx.QueueID, &chainID, &kind, &status, &idemKey, &from, &to,
		&tx.Data, &value, &nonce, &tx.GasLimit, &gasPrice, &maxFee, &maxTip,
		&tx.RetryGasValues, &tx.RetryCount, &errMsg, &hash, &sentAtBlock, &minedAtBlock,
		&queuedAt, &sentAt, &minedAt, &processedAt, &extension, &customMeta)
	if err != nil {
		return txqueue.Tx{}, err
	}

	tx.ChainID = relay.ChainID(chainID)
	tx.Kind = txqueue.Kind(kind)
	tx.Status = txqueue.Status(status)
	tx.IdempotencyKey = idemKey.String
	tx.From = common.HexToAddress(from)
	tx.To = common.HexToAddress(to)
	tx.Value, _ = new(big.Int).SetString(value, 10)
	tx.Gas = txqueue.GasFees{
		GasPrice:             parseBig(gasPrice),
		MaxFeePerGas:         parseBig(maxFee),
		MaxPriorityFeePerGas: parseBig(maxTip),
	}
	tx.ErrorMessage = errMsg.String
	if hash.Valid {
		tx.Hash = common.HexToHash(hash.String)
	}
	if nonce.Valid {
		n := nonce.Int64
		tx.Nonce = &n
	}
	if sentAtBlock.Valid {
		b := sentAtBlock.Int64
		tx.SentAtBlock = &b
	}
	if minedAtBlock.Valid {
		b := minedAtBlock.Int64
		tx.MinedAtBlock = &b
	}
	tx.QueuedAt = time.UnixMilli(queuedAt)
	tx.SentAt = parseTime(sentAt)
	tx.MinedAt = parseTime(minedAt)
	tx.ProcessedAt = parseTime(processedAt)
	tx.Extension = extension.String
	tx.CustomMetadata = customMeta.String
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
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

func parseTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
