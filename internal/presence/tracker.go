// Package presence tracks which users are reachable and on which transient
// connections. A user may hold several concurrent connections (tabs, devices);
// status is derived from the whole set, never from a single connection.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/domain"
)

// UserStatus is the read-only view emitted on status changes and returned by
// OnlineUsers.
type UserStatus struct {
	User        domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Status      domain.Status `json:"status"`
	IsAgent     bool          `json:"is_agent,omitempty"`
}

// Subscriber receives status-changed events. Invoked outside the tracker
// lock; re-entering the tracker from a subscriber is safe.
type Subscriber func(UserStatus)

type Config struct {
	// GracePeriod is how long a user stays online after their last
	// connection closes, absorbing brief reconnects like page reloads.
	GracePeriod time.Duration
	// IdleTimeout moves an online user to idle when no heartbeat arrives.
	IdleTimeout time.Duration
	// AgentTimeout moves an agent offline when no activity touch arrives.
	// Agents act via request/response and never hold a connection, so the
	// grace-period path does not apply to them.
	AgentTimeout time.Duration
}

type record struct {
	displayName string
	isAgent     bool
	status      domain.Status
	conns       map[domain.ConnectionID]struct{}
	// epoch invalidates scheduled timers: every state-changing call bumps
	// it, so a stale grace/idle/agent timer firing afterwards is a no-op.
	epoch uint64
	timer *time.Timer
}

// Tracker is the process-wide presence registry. A user absent from the map
// is implicitly offline.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	users map[domain.UserID]*record

	subMu sync.RWMutex
	subs  []Subscriber
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:   cfg,
		users: make(map[domain.UserID]*record),
	}
}

// OnStatusChanged registers a subscriber for status-changed events.
func (t *Tracker) OnStatusChanged(fn Subscriber) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Tracker) notify(ev UserStatus) {
	t.subMu.RLock()
	subs := make([]Subscriber, len(t.subs))
	copy(subs, t.subs)
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// SetOnline registers a connection for the user. Additional connections from
// the same user are additive; status only changes on the first one or when
// the user was idle.
func (t *Tracker) SetOnline(uid domain.UserID, cid domain.ConnectionID, displayName string, isAgent bool) {
	t.mu.Lock()
	r, existed := t.users[uid]
	if !existed {
		r = &record{status: domain.StatusOffline, conns: make(map[domain.ConnectionID]struct{})}
		t.users[uid] = r
	}
	t.bump(r)
	r.displayName = displayName
	r.isAgent = isAgent
	r.conns[cid] = struct{}{}

	var ev *UserStatus
	if r.status == domain.StatusOffline || r.status == domain.StatusIdle {
		r.status = domain.StatusOnline
		ev = t.snapshot(uid, r)
	}
	t.rearm(uid, r)
	t.mu.Unlock()

	log.Debug().Str("module", "presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("connection added")
	if ev != nil {
		t.notify(*ev)
	}
}

// RemoveConnection drops a connection from the user's set and reports whether
// it was the last one. The offline transition only happens after the grace
// period elapses with no reconnect.
func (t *Tracker) RemoveConnection(uid domain.UserID, cid domain.ConnectionID) bool {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.bump(r)
	delete(r.conns, cid)
	last := len(r.conns) == 0
	t.rearm(uid, r)
	t.mu.Unlock()

	log.Debug().Str("module", "presence").Str("user", string(uid)).Str("conn", string(cid)).Bool("last", last).Msg("connection removed")
	return last
}

// SetIdle marks the user idle. No-op when the user is offline or in
// do-not-disturb: idle must never override an explicit DND.
func (t *Tracker) SetIdle(uid domain.UserID) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok || r.status == domain.StatusDoNotDisturb || r.status == domain.StatusIdle {
		t.mu.Unlock()
		return
	}
	t.bump(r)
	r.status = domain.StatusIdle
	ev := t.snapshot(uid, r)
	t.rearm(uid, r)
	t.mu.Unlock()

	t.notify(*ev)
}

// SetDoNotDisturb is explicit only; the user stays in DND until another
// explicit call changes it.
func (t *Tracker) SetDoNotDisturb(uid domain.UserID) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok || r.status == domain.StatusDoNotDisturb {
		t.mu.Unlock()
		return
	}
	t.bump(r)
	r.status = domain.StatusDoNotDisturb
	ev := t.snapshot(uid, r)
	t.rearm(uid, r)
	t.mu.Unlock()

	t.notify(*ev)
}

// SetActive explicitly returns the user to online, the only way out of
// do-not-disturb. No-op for offline users.
func (t *Tracker) SetActive(uid domain.UserID) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok || r.status == domain.StatusOnline {
		t.mu.Unlock()
		return
	}
	t.bump(r)
	r.status = domain.StatusOnline
	ev := t.snapshot(uid, r)
	t.rearm(uid, r)
	t.mu.Unlock()

	t.notify(*ev)
}

// SetOffline force-removes the user regardless of open connections or
// pending timers.
func (t *Tracker) SetOffline(uid domain.UserID) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.bump(r)
	delete(t.users, uid)
	ev := t.snapshot(uid, r)
	ev.Status = domain.StatusOffline
	t.mu.Unlock()

	t.notify(*ev)
}

// RecordHeartbeat resets the idle countdown and brings an idle user back
// online. A heartbeat for an offline user is a benign race and ignored; so is
// one arriving inside the grace window, since it cannot come from a live
// connection.
func (t *Tracker) RecordHeartbeat(uid domain.UserID) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok || (len(r.conns) == 0 && !r.isAgent) {
		t.mu.Unlock()
		return
	}
	t.bump(r)
	var ev *UserStatus
	if r.status == domain.StatusIdle {
		r.status = domain.StatusOnline
		ev = t.snapshot(uid, r)
	}
	t.rearm(uid, r)
	t.mu.Unlock()

	if ev != nil {
		t.notify(*ev)
	}
}

// TouchAgentActivity marks the agent online and restarts its inactivity
// timer. The messaging core calls this whenever a non-human account acts,
// in lieu of a connection-based heartbeat.
func (t *Tracker) TouchAgentActivity(uid domain.UserID, displayName string) {
	t.mu.Lock()
	r, existed := t.users[uid]
	if !existed {
		r = &record{status: domain.StatusOffline, conns: make(map[domain.ConnectionID]struct{})}
		t.users[uid] = r
	}
	t.bump(r)
	r.isAgent = true
	r.displayName = displayName

	var ev *UserStatus
	if r.status == domain.StatusOffline || r.status == domain.StatusIdle {
		r.status = domain.StatusOnline
		ev = t.snapshot(uid, r)
	}
	t.rearm(uid, r)
	t.mu.Unlock()

	if ev != nil {
		t.notify(*ev)
	}
}

// GetStatus returns the user's current status, offline for unknown users.
func (t *Tracker) GetStatus(uid domain.UserID) domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.users[uid]; ok {
		return r.status
	}
	return domain.StatusOffline
}

// OnlineUsers returns every tracked user that is not offline.
func (t *Tracker) OnlineUsers() []UserStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UserStatus, 0, len(t.users))
	for uid, r := range t.users {
		out = append(out, *t.snapshot(uid, r))
	}
	return out
}

// bump invalidates any scheduled timer for the record. Stop does not
// guarantee the callback never runs, only that a late fire sees a stale
// epoch and does nothing.
func (t *Tracker) bump(r *record) {
	r.epoch++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// rearm schedules the single timer the record needs in its current state.
// Called with the lock held after every mutation.
func (t *Tracker) rearm(uid domain.UserID, r *record) {
	switch {
	case r.isAgent:
		if t.cfg.AgentTimeout > 0 {
			t.scheduleExpiry(uid, r, t.cfg.AgentTimeout)
		}
	case len(r.conns) == 0:
		t.scheduleExpiry(uid, r, t.cfg.GracePeriod)
	case r.status == domain.StatusOnline:
		if t.cfg.IdleTimeout > 0 {
			t.scheduleIdle(uid, r)
		}
	}
}

func (t *Tracker) scheduleExpiry(uid domain.UserID, r *record, d time.Duration) {
	epoch := r.epoch
	r.timer = time.AfterFunc(d, func() { t.expire(uid, epoch) })
}

func (t *Tracker) scheduleIdle(uid domain.UserID, r *record) {
	epoch := r.epoch
	r.timer = time.AfterFunc(t.cfg.IdleTimeout, func() { t.idleExpire(uid, epoch) })
}

func (t *Tracker) expire(uid domain.UserID, epoch uint64) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok || r.epoch != epoch {
		t.mu.Unlock()
		return
	}
	delete(t.users, uid)
	ev := t.snapshot(uid, r)
	ev.Status = domain.StatusOffline
	t.mu.Unlock()

	log.Info().Str("module", "presence").Str("user", string(uid)).Bool("agent", ev.IsAgent).Msg("user expired to offline")
	t.notify(*ev)
}

func (t *Tracker) idleExpire(uid domain.UserID, epoch uint64) {
	t.mu.Lock()
	r, ok := t.users[uid]
	if !ok || r.epoch != epoch || r.status != domain.StatusOnline {
		t.mu.Unlock()
		return
	}
	r.epoch++
	r.status = domain.StatusIdle
	ev := t.snapshot(uid, r)
	t.mu.Unlock()

	t.notify(*ev)
}

func (t *Tracker) snapshot(uid domain.UserID, r *record) *UserStatus {
	return &UserStatus{
		User:        uid,
		DisplayName: r.displayName,
		Status:      r.status,
		IsAgent:     r.isAgent,
	}
}
