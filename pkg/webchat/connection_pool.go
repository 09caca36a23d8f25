package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/session"
)

// wsConn is the subset of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionPool holds the websocket connections attached to one session and
// pushes session snapshots to them. Every connection remembers the newest
// state version it was sent; an older snapshot is never written after a newer
// one. Writes are serialized under the pool lock, which gorilla requires.
// When the pool stays empty for idleTimeout, onIdle runs.
type ConnectionPool struct {
	sessionKey  string
	mu          sync.Mutex
	conns       map[wsConn]uint64
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(sessionKey string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		sessionKey:  sessionKey,
		conns:       map[wsConn]uint64{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

// Add registers conn without writing to it. Use Greet to send the first
// snapshot.
func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	if _, ok := cp.conns[conn]; !ok {
		cp.conns[conn] = 0
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

// Greet writes st to conn as a frame of the given kind regardless of what
// conn has seen, and raises its version to st.Version.
func (cp *ConnectionPool) Greet(conn wsConn, kind string, st session.State) {
	if cp == nil || conn == nil {
		return
	}
	data, err := snapshotFrame(kind, st)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("session", cp.sessionKey).Msg("snapshot encode failed")
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	seen, ok := cp.conns[conn]
	if !ok {
		return
	}
	if cp.writeLocked(conn, data) && st.Version > seen {
		cp.conns[conn] = st.Version
	}
}

// Publish writes st to every connection that has not been sent this version
// or a newer one. It reports how many connections received it.
func (cp *ConnectionPool) Publish(st session.State) int {
	if cp == nil {
		return 0
	}
	var data []byte
	sent := 0
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, seen := range cp.conns {
		if seen >= st.Version {
			continue
		}
		if data == nil {
			b, err := snapshotFrame(frameSnapshot, st)
			if err != nil {
				log.Warn().Err(err).Str("component", "webchat").Str("session", cp.sessionKey).Msg("snapshot encode failed")
				return 0
			}
			data = b
		}
		if cp.writeLocked(conn, data) {
			cp.conns[conn] = st.Version
			sent++
		}
	}
	return sent
}

// SendToOne writes a non-snapshot frame, such as a pong or an error.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	cp.writeLocked(conn, data)
}

// writeLocked drops conn when the write fails.
func (cp *ConnectionPool) writeLocked(conn wsConn, data []byte) bool {
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("session", cp.sessionKey).Msg("ws write failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
		cp.scheduleIdleTimerLocked()
		return false
	}
	return true
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 && cp.idleTimer != nil {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
