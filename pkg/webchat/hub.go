package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/session"
)

const DefaultIdleRelease = 30 * time.Second

type HubConfig struct {
	BaseCtx  context.Context
	Registry *chat.Registry
	// Defaults seed sessions first created through the hub.
	Defaults *session.Config
	// IdleRelease is how long a session keeps its binding after the last
	// websocket detached.
	IdleRelease time.Duration
	Logger      *zerolog.Logger
}

// Hub attaches websocket connections to session bindings. One binding and one
// connection pool exist per session key while any socket is attached.
type Hub struct {
	baseCtx     context.Context
	reg         *chat.Registry
	defaults    *session.Config
	idleRelease time.Duration
	logger      zerolog.Logger
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	key     string
	binding *chat.Binding
	pool    *ConnectionPool
	unsub   func()
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("webchat hub base context is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("webchat hub registry is nil")
	}
	if cfg.IdleRelease <= 0 {
		cfg.IdleRelease = DefaultIdleRelease
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Hub{
		baseCtx:     cfg.BaseCtx,
		reg:         cfg.Registry,
		defaults:    cfg.Defaults,
		idleRelease: cfg.IdleRelease,
		logger:      logger.With().Str("component", "webchat").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: map[string]*room{},
	}, nil
}

// Handler upgrades GET /ws?session=<key>.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.URL.Query().Get("session"))
		if key == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Str("session", key).Msg("ws upgrade failed")
			return
		}
		if err := h.Attach(r.Context(), key, conn); err != nil {
			h.logger.Error().Err(err).Str("session", key).Msg("ws attach failed")
			_ = conn.Close()
		}
	})
}

// Attach joins conn to the session for key, sends the current snapshot, and
// serves client commands until the connection closes.
func (h *Hub) Attach(_ context.Context, key string, conn *websocket.Conn) error {
	if h == nil || h.reg == nil {
		return errors.New("webchat hub is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing session key")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}

	rm := h.join(key, conn)

	wsLog := h.logger.With().
		Str("remote", conn.RemoteAddr().String()).
		Str("session", key).
		Logger()
	wsLog.Info().Msg("ws connected")

	rm.pool.Greet(conn, frameHello, rm.binding.State())

	go func() {
		defer rm.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || len(data) == 0 {
				continue
			}
			if reply := h.handleCommand(rm, conn, data, wsLog); reply != nil {
				rm.pool.SendToOne(conn, reply)
			}
		}
	}()
	return nil
}

// join returns the room for key with conn already in its pool. Adding under
// h.mu keeps a pending idle release from tearing the room down in between.
func (h *Hub) join(key string, conn wsConn) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[key]
	if !ok {
		rm = &room{key: key, binding: h.reg.BindingFor(key, h.defaults)}
		rm.pool = NewConnectionPool(key, h.idleRelease, func() { h.releaseRoom(rm) })
		rm.unsub = rm.binding.Subscribe(func(st session.State) {
			rm.pool.Publish(st)
		})
		h.rooms[key] = rm
	}
	rm.pool.Add(conn)
	return rm
}

func (h *Hub) releaseRoom(rm *room) {
	h.mu.Lock()
	if h.rooms[rm.key] != rm || rm.pool.Count() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, rm.key)
	h.mu.Unlock()

	rm.unsub()
	rm.binding.Close()
	h.logger.Debug().Str("session", rm.key).Msg("released idle session")
}

// Sessions lists the keys with an attached room.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for k := range h.rooms {
		out = append(out, k)
	}
	return out
}

// Close detaches every connection and releases all bindings.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.rooms = map[string]*room{}
	h.mu.Unlock()

	for _, rm := range rooms {
		rm.pool.CloseAll()
		rm.unsub()
		rm.binding.Close()
	}
}

func (h *Hub) handleCommand(rm *room, conn wsConn, data []byte, wsLog zerolog.Logger) []byte {
	if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
		return pongFrame()
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		wsLog.Debug().Err(err).Msg("ignoring malformed ws command")
		return errorFrame("malformed command")
	}
	b := rm.binding
	switch cmd.Type {
	case cmdPing:
		return pongFrame()
	case cmdSend:
		if err := b.Send(h.baseCtx, cmd.Text); err != nil {
			return errorFrame(err.Error())
		}
	case cmdRestart:
		if err := b.Restart(h.baseCtx, cmd.Text); err != nil {
			return errorFrame(err.Error())
		}
	case cmdCancel:
		b.Cancel()
	case cmdClear:
		b.Clear()
	case cmdConfig:
		if cmd.Model != nil {
			b.SetModel(*cmd.Model)
		}
		if cmd.Temperature != nil {
			b.SetTemperature(*cmd.Temperature)
		}
		if cmd.WebSearch != nil {
			b.SetWebSearchEnabled(*cmd.WebSearch)
		}
	case cmdSync:
		rm.pool.Greet(conn, frameSnapshot, b.State())
	default:
		wsLog.Debug().Str("type", cmd.Type).Msg("ignoring unknown ws command")
		return errorFrame("unknown command " + cmd.Type)
	}
	return nil
}
