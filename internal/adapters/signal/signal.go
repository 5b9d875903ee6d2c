// Package signal is the websocket signaling adapter: it owns the live
// connections, feeds the presence tracker on connect/disconnect/heartbeat and
// routes voice-room traffic through the relay.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/core"
	"github.com/harborchat/harbor/internal/domain"
	"github.com/harborchat/harbor/internal/presence"
	"github.com/harborchat/harbor/internal/voice"
)

var ErrBackpressure = errors.New("backpressure")

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Controller glues the transport to the presence and voice cores. It also
// serves as the connection directory the relay resolves targets through.
type Controller struct {
	Presence *presence.Tracker
	Rooms    *voice.Registry
	Relay    *voice.Relay

	limiter   *JoinRateLimiter
	readLimit int64

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*wsSignalConn
	users map[domain.ConnectionID]*domain.User
}

func NewController(tracker *presence.Tracker, rooms *voice.Registry, ice voice.ICEConfig, limiter *JoinRateLimiter, readLimit int64) *Controller {
	ctl := &Controller{
		Presence:  tracker,
		Rooms:     rooms,
		limiter:   limiter,
		readLimit: readLimit,
		conns:     make(map[domain.ConnectionID]*wsSignalConn),
		users:     make(map[domain.ConnectionID]*domain.User),
	}
	ctl.Relay = voice.NewRelay(rooms, ctl, ice)

	// The presence core's only outbound signal; fan-out to every connected
	// client happens here.
	tracker.OnStatusChanged(func(ev presence.UserStatus) {
		ctl.broadcastAll(struct {
			Type string `json:"type"`
			presence.UserStatus
		}{Type: "user_status", UserStatus: ev})
	})
	return ctl
}

// Lookup implements core.ConnectionDirectory.
func (ctl *Controller) Lookup(cid domain.ConnectionID) (core.SignalConnection, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	c, ok := ctl.conns[cid]
	return c, ok
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until it drops.
// The verified user identity comes from the middleware; the connection id is
// minted here, one per physical socket.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	name := c.Query("name")
	if name == "" {
		name = "guest"
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	cid := domain.ConnectionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("conn", string(cid)).Msg("new WS connection")

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	user, err := domain.NewUser(uid, name)
	if err != nil {
		user = &domain.User{ID: uid, DisplayName: "guest"}
	}

	ctl.mu.Lock()
	ctl.conns[cid] = conn
	ctl.users[cid] = user
	ctl.mu.Unlock()

	ctl.Presence.SetOnline(uid, cid, user.DisplayName, false)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, cid, conn)
		ctl.dropConnection(cid)
	}()
}

// dropConnection unwinds everything a dead socket held: voice membership,
// the presence connection, and the directory entry.
func (ctl *Controller) dropConnection(cid domain.ConnectionID) {
	ctl.mu.Lock()
	conn, ok := ctl.conns[cid]
	user := ctl.users[cid]
	delete(ctl.conns, cid)
	delete(ctl.users, cid)
	ctl.mu.Unlock()
	if !ok {
		return
	}

	if user != nil {
		ctl.Relay.LeaveCurrent(user.ID, cid)
		last := ctl.Presence.RemoveConnection(user.ID, cid)
		log.Info().Str("module", "signal").Str("user", string(user.ID)).Str("conn", string(cid)).Bool("last", last).Msg("connection dropped")
	}
	conn.Close()
}

func (ctl *Controller) userOf(cid domain.ConnectionID) (*domain.User, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	u, ok := ctl.users[cid]
	return u, ok
}

func (ctl *Controller) broadcastAll(v any) {
	ctl.mu.RLock()
	conns := make([]*wsSignalConn, 0, len(ctl.conns))
	for _, c := range ctl.conns {
		conns = append(conns, c)
	}
	ctl.mu.RUnlock()
	for _, c := range conns {
		ctl.sendJSON(c, v)
	}
}
