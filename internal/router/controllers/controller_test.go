package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/stretchr/testify/require"
)

func TestQueueTx(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", strings.NewReader(`{
		"chainId": 1337,
		"from": "0x1111111111111111111111111111111111111111",
		"to": "0x2222222222222222222222222222222222222222",
		"value": "1"
	}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp relay.QueueTxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queue-1", resp.QueueID)
}

func TestQueueTxInvalidBody(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueTxValidationError(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{
		queueErr: fmt.Errorf("unsupported chain 99: %w", relay.ErrInvalidRequest),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", strings.NewReader(`{"chainId": 99}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported chain")
}

func TestQueueTxBackpressure(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{
		queueErr: fmt.Errorf("queueing transaction: %w", txqueue.ErrQueueFull),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", strings.NewReader(`{"chainId": 1337}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetTx(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{
		info: relay.TxInfo{QueueID: "queue-1", Status: "sent"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/queue-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info relay.TxInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "sent", info.Status)
}

func TestGetTxNotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{
		getErr: fmt.Errorf("getting transaction: %w", txqueue.ErrNotFound),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTxConflict(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{
		cancelErr: fmt.Errorf("cancelling transaction: %w", &txqueue.InvalidTransitionError{
			QueueID: "queue-1",
			From:    txqueue.StatusSent,
			To:      txqueue.StatusCancelled,
		}),
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/transactions/queue-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResetNonces(t *testing.T) {
	t.Parallel()

	stub := &stubRelay{}
	r, _ := newTestRouter(t, stub)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nonces/reset", strings.NewReader(`{
		"chainId": 1337,
		"address": "0x1111111111111111111111111111111111111111",
		"syncOnchainNonces": true
	}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, stub.lastReset.SyncOnchainNonce)
	require.Equal(t, relay.ChainID(1337), stub.lastReset.ChainID)
}

func TestWebhookHealth(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubRelay{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sub-1")
	require.Contains(t, rec.Body.String(), "boom")
}

func TestSubscribeTxSnapshot(t *testing.T) {
	t.Parallel()

	r, live := newTestRouter(t, &stubRelay{
		info: relay.TxInfo{QueueID: "queue-1", Status: "sent"},
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/transactions/queue-1/subscribe"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var info relay.TxInfo
	require.NoError(t, json.Unmarshal(payload, &info))
	require.Equal(t, "sent", info.Status)

	require.Eventually(t, func() bool {
		return live.registered("queue-1")
	}, time.Second*5, time.Millisecond*50)

	// The snapshot went out through an already-registered subscription, so a
	// transition racing the subscribe request can't slip past unnoticed.
	require.True(t, live.snapshotWhileRegistered())
}

func TestSubscribeTxTerminalClosesImmediately(t *testing.T) {
	t.Parallel()

	r, live := newTestRouter(t, &stubRelay{
		info: relay.TxInfo{QueueID: "queue-1", Status: "mined"},
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/transactions/queue-1/subscribe"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	require.False(t, live.registered("queue-1"))
}

func newTestRouter(t *testing.T, stub *stubRelay) (*mux.Router, *stubLiveSubs) {
	t.Helper()

	live := &stubLiveSubs{subs: map[string]int{}}
	controller := NewController(stub, live, &stubHealth{})

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/transactions", controller.QueueTx).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/transactions/{queueId}", controller.GetTx).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/transactions/{queueId}", controller.CancelTx).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/transactions/{queueId}/subscribe", controller.SubscribeTx).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/nonces/reset", controller.ResetNonces).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/webhooks/health", controller.WebhookHealth).Methods(http.MethodGet)
	return r, live
}

type stubRelay struct {
	mu        sync.Mutex
	queueErr  error
	getErr    error
	cancelErr error
	info      relay.TxInfo
	lastReset relay.ResetNoncesRequest
}

func (s *stubRelay) QueueTx(_ context.Context, _ relay.QueueTxRequest) (relay.QueueTxResponse, error) {
	if s.queueErr != nil {
		return relay.QueueTxResponse{}, s.queueErr
	}
	return relay.QueueTxResponse{QueueID: "queue-1"}, nil
}

func (s *stubRelay) GetTx(_ context.Context, _ string) (relay.TxInfo, error) {
	if s.getErr != nil {
		return relay.TxInfo{}, s.getErr
	}
	return s.info, nil
}

func (s *stubRelay) CancelTx(_ context.Context, _ string) error {
	return s.cancelErr
}

func (s *stubRelay) ResetNonces(_ context.Context, req relay.ResetNoncesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReset = req
	return nil
}

type stubLiveSubs struct {
	mu                 sync.Mutex
	subs               map[string]int
	wroteUnregistered  bool
	snapshotsDelivered int
}

func (s *stubLiveSubs) Register(queueID string, conn *websocket.Conn) notifier.LiveSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[queueID]++
	return &stubLiveSub{owner: s, queueID: queueID, conn: conn}
}

func (s *stubLiveSubs) registered(queueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[queueID] > 0
}

func (s *stubLiveSubs) snapshotWhileRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotsDelivered > 0 && !s.wroteUnregistered
}

type stubLiveSub struct {
	owner   *stubLiveSubs
	queueID string
	conn    *websocket.Conn
}

func (s *stubLiveSub) Write(payload []byte) error {
	s.owner.mu.Lock()
	if s.owner.subs[s.queueID] == 0 {
		s.owner.wroteUnregistered = true
	}
	s.owner.snapshotsDelivered++
	s.owner.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *stubLiveSub) Cancel() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.subs[s.queueID]--
}

type stubHealth struct{}

func (s *stubHealth) Health() []notifier.DeliveryHealth {
	return []notifier.DeliveryHealth{{
		SubscriptionID:      "sub-1",
		URL:                 "https://example.com/hook",
		ConsecutiveFailures: 2,
		LastError:           "boom",
		LastAttempt:         time.Now(),
	}}
}
