package impl

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/database"
	lockerimpl "github.com/relayhub/go-relay/pkg/locker/impl"
	"github.com/relayhub/go-relay/pkg/monitor"
	"github.com/relayhub/go-relay/pkg/nonce"
	nonceimpl "github.com/relayhub/go-relay/pkg/nonce/impl"
	"github.com/relayhub/go-relay/pkg/txqueue"
	txqueueimpl "github.com/relayhub/go-relay/pkg/txqueue/impl"
	"github.com/relayhub/go-relay/pkg/wallet"
	"github.com/relayhub/go-relay/tests"
	"github.com/stretchr/testify/require"
)

const chainID = relay.ChainID(1337)

func TestMinedAtConfirmationDepth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stack := newStack(t)

	queueID, n := stack.seedSent(t, big.NewInt(2000))
	stack.client.setReceipt(stack.sentHash(t, queueID), 95)
	stack.client.setHead(100, big.NewInt(500))

	stack.startMonitor(t)

	require.Eventually(t, func() bool {
		tx, err := stack.store.Get(ctx, queueID)
		require.NoError(t, err)
		return tx.Status == txqueue.StatusMined
	}, time.Second*10, time.Millisecond*50)

	tx, err := stack.store.Get(ctx, queueID)
	require.NoError(t, err)
	require.Equal(t, int64(95), *tx.MinedAtBlock)

	// The pending nonce record was completed.
	pending, err := stack.coord.ListPending(ctx, chainID, stack.from)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, int64(0), n)
}

func TestStuckTransactionGetsBumpedReplacement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stack := newStack(t)
	events, cancelSub := stack.bus.Subscribe()
	defer cancelSub()

	queueID, n := stack.seedSent(t, big.NewInt(1000))
	firstHash := stack.sentHash(t, queueID)
	// Base fee way above the transaction's max fee: it can't be mined.
	stack.client.setHead(100, big.NewInt(5000))

	stack.startMonitor(t)

	require.Eventually(t, func() bool {
		tx, err := stack.store.Get(ctx, queueID)
		require.NoError(t, err)
		return tx.Status == txqueue.StatusSent && tx.RetryCount == 1
	}, time.Second*15, time.Millisecond*50)

	tx, err := stack.store.Get(ctx, queueID)
	require.NoError(t, err)
	require.Equal(t, n, *tx.Nonce)
	require.NotEqual(t, firstHash, tx.Hash)
	// maxFee >= baseFee * multiplier.
	require.True(t, tx.Gas.MaxFeePerGas.Cmp(big.NewInt(6000)) >= 0)

	var delay *txqueue.DelayInfo
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-events:
				if e.Type == txqueue.EventDelayed {
					delay = e.Delay
					return true
				}
			default:
				return false
			}
		}
	}, time.Second*5, time.Millisecond*50)
	require.Equal(t, txqueue.DelayReasonMaxFeeTooLow, delay.Reason)
	require.Equal(t, big.NewInt(1000), delay.RequestedMaxFeePerGas)
	require.Equal(t, big.NewInt(5000), delay.CurrentMaxFeePerGas)
}

func TestExternallyReplacedNonce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stack := newStack(t)

	queueID, n := stack.seedSent(t, big.NewInt(2000))
	require.Equal(t, int64(0), n)
	// The chain consumed nonce 0, but with a hash we never broadcast.
	stack.client.setChainNonce(1)
	stack.client.setHead(100, big.NewInt(500))

	stack.startMonitor(t)

	require.Eventually(t, func() bool {
		tx, err := stack.store.Get(ctx, queueID)
		require.NoError(t, err)
		return tx.Status == txqueue.StatusErrored
	}, time.Second*10, time.Millisecond*50)

	tx, err := stack.store.Get(ctx, queueID)
	require.NoError(t, err)
	require.Contains(t, tx.ErrorMessage, "externally replaced")

	pending, err := stack.coord.ListPending(ctx, chainID, stack.from)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRetryingRowIsRebroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stack := newStack(t)
	stack.client.setHead(100, big.NewInt(500))

	// A submission whose broadcast failed transiently: the nonce is allocated
	// and pending, but the row never reached sent.
	queueID, err := stack.store.QueueTx(ctx, stack.queueRequest(big.NewInt(2000)))
	require.NoError(t, err)
	_, err = stack.store.ClaimQueued(ctx, chainID, 1)
	require.NoError(t, err)
	n, err := stack.coord.Allocate(ctx, chainID, stack.from, queueID, nonce.Fees{
		MaxFeePerGas:         big.NewInt(2000),
		MaxPriorityFeePerGas: big.NewInt(100),
	})
	require.NoError(t, err)
	status, err := stack.store.MarkErrored(ctx, queueID, "connection refused", true)
	require.NoError(t, err)
	require.Equal(t, txqueue.StatusRetrying, status)

	stack.startMonitor(t)

	require.Eventually(t, func() bool {
		tx, err := stack.store.Get(ctx, queueID)
		require.NoError(t, err)
		return tx.Status == txqueue.StatusSent
	}, time.Second*10, time.Millisecond*50)

	tx, err := stack.store.Get(ctx, queueID)
	require.NoError(t, err)
	require.Equal(t, n, *tx.Nonce)
	require.NotEqual(t, common.Hash{}, tx.Hash)
}

type testStack struct {
	store  txqueue.Store
	coord  nonce.Coordinator
	bus    txqueue.Bus
	client *stubChainClient
	mon    *ConfirmationMonitor
	from   common.Address
}

func (s *testStack) startMonitor(t *testing.T) {
	require.NoError(t, s.mon.Start())
	t.Cleanup(s.mon.Stop)
}

func (s *testStack) queueRequest(maxFee *big.Int) txqueue.QueueRequest {
	return txqueue.QueueRequest{
		ChainID:  chainID,
		From:     s.from,
		To:       common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Value:    big.NewInt(1),
		GasLimit: 21000,
		Gas: txqueue.GasFees{
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: big.NewInt(100),
		},
	}
}

// seedSent walks a submission to the sent state with an allocated nonce.
func (s *testStack) seedSent(t *testing.T, maxFee *big.Int) (string, int64) {
	t.Helper()
	ctx := context.Background()

	queueID, err := s.store.QueueTx(ctx, s.queueRequest(maxFee))
	require.NoError(t, err)
	_, err = s.store.ClaimQueued(ctx, chainID, 1)
	require.NoError(t, err)
	n, err := s.coord.Allocate(ctx, chainID, s.from, queueID, nonce.Fees{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: big.NewInt(100),
	})
	require.NoError(t, err)

	hash := common.BytesToHash(crypto.Keccak256([]byte(queueID)))
	require.NoError(t, s.store.MarkSent(ctx, queueID, n, hash, txqueue.GasFees{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: big.NewInt(100),
	}, 90))
	return queueID, n
}

func (s *testStack) sentHash(t *testing.T, queueID string) common.Hash {
	t.Helper()
	tx, err := s.store.Get(context.Background(), queueID)
	require.NoError(t, err)
	return tx.Hash
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(tests.Sqlite3URI())
	require.NoError(t, err)
	db.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	lk, err := lockerimpl.NewSQLiteLocker(db.DB)
	require.NoError(t, err)
	require.NoError(t, db.ExecuteMigration(ctx, lk, time.Minute))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := wallet.NewWallet(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	signer := wallet.NewLocalSigner(w)

	client := newStubChainClient()
	coord, err := nonceimpl.NewLockingCoordinator(
		nonceimpl.NewNonceStore(db),
		lk,
		map[relay.ChainID]nonce.ChainClient{chainID: client},
		time.Second*10,
		time.Second*10,
	)
	require.NoError(t, err)

	bus := txqueueimpl.NewEventBus()
	store := txqueueimpl.NewTxStore(db, bus, 3, 1000)
	mon, err := New(chainID, store, coord, bus, client,
		map[common.Address]wallet.Signer{signer.Address(): signer},
		monitor.WithPollInterval(time.Millisecond*100),
		monitor.WithStuckTimeout(time.Second),
	)
	require.NoError(t, err)

	return &testStack{
		store:  store,
		coord:  coord,
		bus:    bus,
		client: client,
		mon:    mon,
		from:   signer.Address(),
	}
}

type stubChainClient struct {
	mu         sync.Mutex
	receipts   map[common.Hash]*types.Receipt
	headNumber int64
	baseFee    *big.Int
	chainNonce uint64
	sentTxs    []*types.Transaction
}

func newStubChainClient() *stubChainClient {
	return &stubChainClient{
		receipts:   map[common.Hash]*types.Receipt{},
		headNumber: 100,
		baseFee:    big.NewInt(500),
	}
}

func (c *stubChainClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *stubChainClient) TransactionByHash(_ context.Context, _ common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (c *stubChainClient) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{Number: big.NewInt(c.headNumber), BaseFee: c.baseFee}, nil
}

func (c *stubChainClient) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainNonce, nil
}

func (c *stubChainClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainNonce, nil
}

func (c *stubChainClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTxs = append(c.sentTxs, tx)
	return nil
}

func (c *stubChainClient) BlockNumber(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.headNumber), nil
}

func (c *stubChainClient) setReceipt(hash common.Hash, block int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(block),
		TxHash:      hash,
	}
}

func (c *stubChainClient) setHead(number int64, baseFee *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headNumber = number
	c.baseFee = baseFee
}

func (c *stubChainClient) setChainNonce(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainNonce = n
}
