package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/relayhub/go-relay/buildinfo"
	"github.com/relayhub/go-relay/internal/relay"
	serviceerrors "github.com/relayhub/go-relay/pkg/errors"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/rs/zerolog/log"
)

// LiveSubs registers websocket connections interested in status changes of a
// queued transaction. The notification fanout writes to them.
type LiveSubs interface {
	Register(queueID string, conn *websocket.Conn) notifier.LiveSub
}

// DeliveryHealthReporter exposes the webhook delivery state per subscription.
type DeliveryHealthReporter interface {
	Health() []notifier.DeliveryHealth
}

// Controller defines the HTTP handlers of the relay API.
type Controller struct {
	relay    relay.Relay
	live     LiveSubs
	health   DeliveryHealthReporter
	upgrader websocket.Upgrader
}

// NewController creates a new Controller.
func NewController(relay relay.Relay, live LiveSubs, health DeliveryHealthReporter) *Controller {
	return &Controller{
		relay:  relay,
		live:   live,
		health: health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// VersionInfo summarizes git information of the running binary.
type VersionInfo struct {
	GitCommit     string `json:"git_commit"`
	GitBranch     string `json:"git_branch"`
	GitState      string `json:"git_state"`
	GitSummary    string `json:"git_summary"`
	BuildDate     string `json:"build_date"`
	BinaryVersion string `json:"binary_version"`
}

// Version returns git information of the running binary.
func (c *Controller) Version(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	summary := buildinfo.GetSummary()
	rw.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(rw).Encode(VersionInfo{
		GitCommit:     summary.GitCommit,
		GitBranch:     summary.GitBranch,
		GitState:      summary.GitState,
		GitSummary:    summary.GitSummary,
		BuildDate:     summary.BuildDate,
		BinaryVersion: summary.Version,
	})
}

// QueueTx handles a request to queue a transaction for submission.
func (c *Controller) QueueTx(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	var req relay.QueueTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		log.Ctx(ctx).Error().Err(err).Msg("invalid queue request body")
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: "Invalid request body"})
		return
	}

	resp, err := c.relay.QueueTx(ctx, req)
	if err != nil {
		status := errorStatus(err)
		rw.WriteHeader(status)
		log.Ctx(ctx).Error().Err(err).Msg("queueing transaction")
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: err.Error()})
		return
	}

	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(resp)
}

// GetTx handles a request asking for the state of a queued transaction.
func (c *Controller) GetTx(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	info, err := c.relay.GetTx(ctx, mux.Vars(r)["queueId"])
	if err != nil {
		status := errorStatus(err)
		rw.WriteHeader(status)
		if status != http.StatusNotFound {
			log.Ctx(ctx).Error().Err(err).Msg("getting transaction")
		}
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: err.Error()})
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(info)
}

// CancelTx handles a request to abort a transaction that wasn't broadcast yet.
func (c *Controller) CancelTx(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	queueID := mux.Vars(r)["queueId"]
	if err := c.relay.CancelTx(ctx, queueID); err != nil {
		status := errorStatus(err)
		rw.WriteHeader(status)
		log.Ctx(ctx).Error().Err(err).Str("queueId", queueID).Msg("cancelling transaction")
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: err.Error()})
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(struct {
		QueueID string `json:"queueId"`
		Status  string `json:"status"`
	}{QueueID: queueID, Status: string(txqueue.StatusCancelled)})
}

// ResetNonces handles an operator request to resync nonce state with the chain.
func (c *Controller) ResetNonces(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	var req relay.ResetNoncesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		log.Ctx(ctx).Error().Err(err).Msg("invalid reset nonces body")
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: "Invalid request body"})
		return
	}

	if err := c.relay.ResetNonces(ctx, req); err != nil {
		status := errorStatus(err)
		rw.WriteHeader(status)
		log.Ctx(ctx).Error().Err(err).Msg("resetting nonces")
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: err.Error()})
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(struct {
		ChainID relay.ChainID `json:"chainId"`
		Synced  bool          `json:"synced"`
	}{ChainID: req.ChainID, Synced: true})
}

// SubscribeTx upgrades the connection to a websocket that receives status
// updates of a queued transaction until it reaches a terminal status.
func (c *Controller) SubscribeTx(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueID := mux.Vars(r)["queueId"]

	if _, err := c.relay.GetTx(ctx, queueID); err != nil {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(errorStatus(err))
		_ = json.NewEncoder(rw).Encode(serviceerrors.ServiceError{Message: err.Error()})
		return
	}

	conn, err := c.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("queueId", queueID).Msg("upgrading subscription")
		return
	}

	// Register before reading the snapshot: any transition landing after the
	// read reaches the connection through the fanout, so none is lost. The
	// handle shares the fanout's write lock, so frames never interleave.
	sub := c.live.Register(queueID, conn)

	info, err := c.relay.GetTx(ctx, queueID)
	if err != nil {
		sub.Cancel()
		_ = conn.Close()
		return
	}
	snapshot, _ := json.Marshal(info)
	if err := sub.Write(snapshot); err != nil {
		sub.Cancel()
		_ = conn.Close()
		return
	}
	if txqueue.Status(info.Status).Terminal() {
		sub.Cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal status"),
			time.Now().Add(time.Second*10))
		_ = conn.Close()
		return
	}

	// Reads detect the peer going away; updates arrive through the registry.
	go func() {
		defer sub.Cancel()
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// WebhookHealth returns the delivery state of every active webhook subscription.
func (c *Controller) WebhookHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(struct {
		Subscriptions []notifier.DeliveryHealth `json:"subscriptions"`
	}{Subscriptions: c.health.Health()})
}

func errorStatus(err error) int {
	var transition *txqueue.InvalidTransitionError
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, txqueue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, txqueue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.As(err, &transition):
		return http.StatusConflict
	case errors.Is(err, nonce.ErrAllocationTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
