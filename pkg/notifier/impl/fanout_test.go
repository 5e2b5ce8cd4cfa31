package impl

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/relayhub/go-relay/pkg/database"
	lockerimpl "github.com/relayhub/go-relay/pkg/locker/impl"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/relayhub/go-relay/pkg/txqueue"
	txqueueimpl "github.com/relayhub/go-relay/pkg/txqueue/impl"
	"github.com/relayhub/go-relay/tests"
	"github.com/stretchr/testify/require"
)

func TestWebhookDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	receiver := newReceiver(t, http.StatusOK)

	bus := txqueueimpl.NewEventBus()
	subs := newSubscriptionStore(t)
	_, err := subs.Create(ctx, receiver.server.URL+"/hooks/tx", "hook-secret", "")
	require.NoError(t, err)

	startFanout(t, bus, subs)

	bus.Publish(testEvent(txqueue.EventSent, txqueue.StatusSent))

	require.Eventually(t, func() bool {
		return len(receiver.requests()) == 1
	}, time.Second*5, time.Millisecond*20)

	req := receiver.requests()[0]
	require.Contains(t, req.body, `"type":"sent"`)
	require.Contains(t, req.body, `"queueId":"q-1"`)

	// The Authorization header is a MAC scheme whose bodyhash recomputes
	// from the delivered body.
	require.True(t, strings.HasPrefix(req.auth, `MAC id="`))
	require.Contains(t, req.auth, `bodyhash="`+b64HMAC("hook-secret", []byte(req.body))+`"`)
}

func TestWebhookRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	receiver := newReceiver(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)

	bus := txqueueimpl.NewEventBus()
	subs := newSubscriptionStore(t)
	_, err := subs.Create(ctx, receiver.server.URL, "s", "")
	require.NoError(t, err)

	fanout := startFanout(t, bus, subs)

	bus.Publish(testEvent(txqueue.EventMined, txqueue.StatusMined))

	require.Eventually(t, func() bool {
		return len(receiver.requests()) == 3
	}, time.Second*5, time.Millisecond*20)

	require.Eventually(t, func() bool {
		health := fanout.Health()
		return len(health) == 1 && health[0].ConsecutiveFailures == 0
	}, time.Second*5, time.Millisecond*20)
}

func TestWebhookFailureSurfacesInHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	receiver := newReceiver(t, http.StatusInternalServerError)

	bus := txqueueimpl.NewEventBus()
	subs := newSubscriptionStore(t)
	sub, err := subs.Create(ctx, receiver.server.URL, "s", "")
	require.NoError(t, err)

	fanout := startFanout(t, bus, subs)

	bus.Publish(testEvent(txqueue.EventErrored, txqueue.StatusErrored))

	require.Eventually(t, func() bool {
		health := fanout.Health()
		return len(health) == 1 && health[0].ConsecutiveFailures == 1
	}, time.Second*5, time.Millisecond*20)

	health := fanout.Health()
	require.Equal(t, sub.ID, health[0].SubscriptionID)
	require.Contains(t, health[0].LastError, "status code: 500")
}

func TestEventTypeFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	receiver := newReceiver(t, http.StatusOK)

	bus := txqueueimpl.NewEventBus()
	subs := newSubscriptionStore(t)
	_, err := subs.Create(ctx, receiver.server.URL, "s", "mined")
	require.NoError(t, err)

	startFanout(t, bus, subs)

	bus.Publish(testEvent(txqueue.EventQueued, txqueue.StatusQueued))
	bus.Publish(testEvent(txqueue.EventMined, txqueue.StatusMined))

	require.Eventually(t, func() bool {
		return len(receiver.requests()) == 1
	}, time.Second*5, time.Millisecond*20)
	time.Sleep(time.Millisecond * 200)
	require.Len(t, receiver.requests(), 1)
	require.Contains(t, receiver.requests()[0].body, `"type":"mined"`)
}

func TestLiveSubscription(t *testing.T) {
	t.Parallel()

	bus := txqueueimpl.NewEventBus()
	subs := newSubscriptionStore(t)
	fanout := startFanout(t, bus, subs)

	upgrader := websocket.Upgrader{}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fanout.LiveSubs().Register("q-1", conn)
	}))
	t.Cleanup(wsServer.Close)

	wsURL := "ws" + strings.TrimPrefix(wsServer.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	t.Cleanup(func() { _ = conn.Close() })

	bus.Publish(testEvent(txqueue.EventSent, txqueue.StatusSent))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"status":"sent"`)

	// A terminal status delivers one last message, then the server closes.
	bus.Publish(testEvent(txqueue.EventMined, txqueue.StatusMined))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"status":"mined"`)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestLiveSubscriptionHandleWrite(t *testing.T) {
	t.Parallel()

	registry := NewLiveSubRegistry()

	upgrader := websocket.Upgrader{}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		// Snapshot through the handle, then a registry-side update: both must
		// arrive, in order, on the same connection.
		sub := registry.Register("q-1", conn)
		require.NoError(t, sub.Write([]byte(`{"status":"queued"}`)))
		registry.Notify("q-1", []byte(`{"status":"sent"}`), false)
		sub.Cancel()
		registry.Notify("q-1", []byte(`{"status":"mined"}`), true)
	}))
	t.Cleanup(wsServer.Close)

	wsURL := "ws" + strings.TrimPrefix(wsServer.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "queued")

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "sent")

	// Cancel removed the registration, so the terminal notify never reaches
	// this connection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Millisecond*300)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func testEvent(eventType txqueue.EventType, status txqueue.Status) txqueue.Event {
	return txqueue.Event{
		Type: eventType,
		Tx: txqueue.Tx{
			QueueID: "q-1",
			ChainID: 1,
			Status:  status,
			Kind:    txqueue.KindTransaction,
			From:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
			To:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		},
		Timestamp: time.Now(),
	}
}

func startFanout(t *testing.T, bus txqueue.Bus, subs notifier.SubscriptionStore) *EventFanout {
	t.Helper()
	fanout, err := NewEventFanout(bus, subs,
		notifier.WithDeliveryAttempts(3),
		notifier.WithBackoffBase(time.Millisecond*10),
	)
	require.NoError(t, err)
	require.NoError(t, fanout.Start())
	t.Cleanup(fanout.Stop)
	return fanout
}

func newSubscriptionStore(t *testing.T) *SubscriptionStore {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(tests.Sqlite3URI())
	require.NoError(t, err)
	db.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	lk, err := lockerimpl.NewSQLiteLocker(db.DB)
	require.NoError(t, err)
	require.NoError(t, db.ExecuteMigration(ctx, lk, time.Minute))
	return NewSubscriptionStore(db)
}

type recordedRequest struct {
	body string
	auth string
}

type receiver struct {
	server *httptest.Server

	mu       sync.Mutex
	statuses []int
	recorded []recordedRequest
}

// newReceiver serves the given status codes in order, repeating the last one.
func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("reading body: %s", err)
		}

		r.mu.Lock()
		r.recorded = append(r.recorded, recordedRequest{
			body: string(body),
			auth: req.Header.Get("Authorization"),
		})
		status := r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
		r.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) requests() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRequest, len(r.recorded))
	copy(out, r.recorded)
	return out
}
