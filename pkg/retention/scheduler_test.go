package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerPrunesPeriodically(t *testing.T) {
	t.Parallel()

	txs := &countingPruner{}
	nonces := &countingNoncePruner{}
	s := NewScheduler(time.Millisecond*20, txs, nonces, 100, time.Hour)

	go s.Run()
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		return txs.calls() >= 2 && nonces.calls() >= 2
	}, time.Second*5, time.Millisecond*10)
	require.Equal(t, 100, txs.lastRetain())
	require.Equal(t, time.Hour, nonces.lastHorizon())
}

func TestSchedulerShutdownStopsPruning(t *testing.T) {
	t.Parallel()

	txs := &countingPruner{}
	s := NewScheduler(time.Millisecond*20, txs, &countingNoncePruner{}, 10, time.Hour)

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return txs.calls() >= 1 }, time.Second*5, time.Millisecond*10)
	s.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("scheduler didn't stop")
	}

	after := txs.calls()
	time.Sleep(time.Millisecond * 100)
	require.Equal(t, after, txs.calls())

	// Shutdown is idempotent.
	s.Shutdown()
}

type countingPruner struct {
	mu     sync.Mutex
	n      int
	retain int
}

func (p *countingPruner) Prune(_ context.Context, retain int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	p.retain = retain
	return 1, nil
}

func (p *countingPruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *countingPruner) lastRetain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retain
}

type countingNoncePruner struct {
	mu      sync.Mutex
	n       int
	horizon time.Duration
}

func (p *countingNoncePruner) DeleteOrphanedPending(_ context.Context, olderThan time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	p.horizon = olderThan
	return 0, nil
}

func (p *countingNoncePruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *countingNoncePruner) lastHorizon() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.horizon
}
