package impl

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

const writeTimeout = time.Second * 10

// LiveSubRegistry tracks open websocket connections waiting on a queue id.
// A connection is closed and removed once a terminal payload is written, or
// when the peer goes away.
type LiveSubRegistry struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string][]*liveConn
}

type liveConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewLiveSubRegistry creates a new registry.
func NewLiveSubRegistry() *LiveSubRegistry {
	return &LiveSubRegistry{
		log: logger.With().
			Str("component", "livesubs").
			Logger(),
		subs: map[string][]*liveConn{},
	}
}

// Register adds a connection interested in the given queue id. Writes through
// the returned handle take the same per-connection lock as Notify, so a
// registration-time snapshot can't interleave with fanout frames.
func (r *LiveSubRegistry) Register(queueID string, conn *websocket.Conn) notifier.LiveSub {
	lc := &liveConn{conn: conn}

	r.mu.Lock()
	r.subs[queueID] = append(r.subs[queueID], lc)
	r.mu.Unlock()

	return &liveSub{registry: r, queueID: queueID, lc: lc}
}

type liveSub struct {
	registry *LiveSubRegistry
	queueID  string
	lc       *liveConn
}

func (s *liveSub) Write(payload []byte) error {
	return s.lc.write(payload)
}

func (s *liveSub) Cancel() {
	s.registry.remove(s.queueID, s.lc)
}

// Notify writes the payload to every connection watching the queue id. When
// terminal is true the connections are closed and dropped afterwards.
func (r *LiveSubRegistry) Notify(queueID string, payload []byte, terminal bool) {
	r.mu.Lock()
	conns := append([]*liveConn{}, r.subs[queueID]...)
	if terminal {
		delete(r.subs, queueID)
	}
	r.mu.Unlock()

	for _, lc := range conns {
		if err := lc.write(payload); err != nil {
			r.log.Debug().Err(err).Str("queueId", queueID).Msg("writing to live subscription")
			r.remove(queueID, lc)
			_ = lc.conn.Close()
			continue
		}
		if terminal {
			lc.mu.Lock()
			_ = lc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal status"),
				time.Now().Add(writeTimeout))
			lc.mu.Unlock()
			_ = lc.conn.Close()
		}
	}
}

func (lc *liveConn) write(payload []byte) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if err := lc.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return lc.conn.WriteMessage(websocket.TextMessage, payload)
}

func (r *LiveSubRegistry) remove(queueID string, target *liveConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.subs[queueID]
	for i, lc := range conns {
		if lc == target {
			r.subs[queueID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.subs[queueID]) == 0 {
		delete(r.subs, queueID)
	}
}
