// Package core implements the chat broker: the server registry owning the
// listening socket and the live session set, the per-connection session
// state machine, the message dispatcher, and the moderation operations.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"parloir/internal/protocol"
	"parloir/internal/store"
)

var errRoomNotPending = errors.New("room is not pending for this user")

// SessionInfo is a read-only snapshot of one live session, exposed to the
// operator surfaces.
type SessionInfo struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Addr  string   `json:"addr"`
	State string   `json:"state,omitempty"`
	Rooms []string `json:"rooms,omitempty"`
}

// Registry is the process-singleton server state: the listener, the live
// sessions, the public room set, and the persistence gateway handle.
// Handlers reach it through each session's back-reference.
type Registry struct {
	store       *store.Store
	defaultRoom string

	stopServer  atomic.Bool
	stopClients atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID
	rooms    map[string]struct{} // public room names
	ln       net.Listener

	done chan struct{} // closed when the accept loop exits
}

// NewRegistry builds a registry over an opened store and loads the public
// room set. defaultRoom is auto-joined at signup; it is created if missing.
func NewRegistry(st *store.Store, defaultRoom string) (*Registry, error) {
	r := &Registry{
		store:       st,
		defaultRoom: defaultRoom,
		sessions:    make(map[string]*Session),
		rooms:       make(map[string]struct{}),
		done:        make(chan struct{}),
	}

	if defaultRoom != "" {
		if err := st.InsertRoom(defaultRoom, protocol.RoomPublic); err != nil && !errors.Is(err, store.ErrRoomExists) {
			return nil, fmt.Errorf("create default room: %w", err)
		}
	}
	names, err := st.PublicRooms()
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	for _, n := range names {
		r.rooms[n] = struct{}{}
	}
	return r, nil
}

// Store exposes the persistence gateway to the operator console.
func (r *Registry) Store() *store.Store {
	return r.store
}

// Run binds addr and accepts connections until Close is called. It returns
// after the accept loop exits.
func (r *Registry) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
	defer close(r.done)

	slog.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.stopServer.Load() {
				return nil
			}
			slog.Error("accept", "err", err)
			continue
		}
		go r.Serve(NewTCPConn(conn))
	}
}

// Addr returns the bound listener address, or nil before Run.
func (r *Registry) Addr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serve registers a session for conn and runs its receive loop on the
// calling goroutine. The TCP accept loop spawns one goroutine per
// connection; the websocket handler calls it from the HTTP handler
// goroutine.
func (r *Registry) Serve(conn Conn) {
	if r.stopClients.Load() {
		_ = conn.Close()
		return
	}
	s := newSession(conn, r)
	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()
	slog.Info("session opened", "session", s.ID, "addr", conn.RemoteAddr().String(), "total", count)

	s.run()
}

// Close shuts the broker down: both stop flags are raised, the listener is
// closed to unblock the acceptor, every live session is torn down, and the
// persistence gateway is released.
func (r *Registry) Close() {
	if r.stopServer.Swap(true) {
		return
	}
	r.stopClients.Store(true)

	r.mu.Lock()
	ln := r.ln
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
		<-r.done
	}
	for _, s := range live {
		s.close()
	}
	if err := r.store.Close(); err != nil {
		slog.Error("close store", "err", err)
	}
	slog.Info("server stopped")
}

func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	count := len(r.sessions)
	r.mu.Unlock()
	slog.Info("session closed", "session", s.ID, "user", s.Name(), "total", count)
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a stable snapshot of all live sessions.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:    s.ID,
			Name:  s.Name(),
			Addr:  s.conn.RemoteAddr().String(),
			State: s.State(),
			Rooms: s.Rooms(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// findByName returns the live session authenticated as name, or nil.
func (r *Registry) findByName(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// findByIP returns every live session whose peer address is ip.
func (r *Registry) findByIP(ip string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.ip == ip {
			out = append(out, s)
		}
	}
	return out
}

// AddRoom inserts a public room and adds it to the in-memory set.
func (r *Registry) AddRoom(name string) error {
	name, err := protocol.ValidateName(name)
	if err != nil {
		return err
	}
	if err := r.store.InsertRoom(name, protocol.RoomPublic); err != nil {
		return err
	}
	r.mu.Lock()
	r.rooms[name] = struct{}{}
	r.mu.Unlock()
	slog.Info("room added", "room", name)
	return nil
}

// Rooms returns the sorted public room names.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for n := range r.rooms {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Broadcast fans one frame out to every live session that is a member of
// room and currently valid — including the sender's own session. Delivery
// is best-effort per peer: a failed enqueue is logged and does not abort
// the remaining deliveries.
func (r *Registry) Broadcast(room string, msg protocol.Message) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() == protocol.StateValid && s.inRoom(room) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Send(msg) {
			sent++
		} else {
			slog.Warn("broadcast delivery dropped", "session", s.ID, "user", s.Name(), "room", room)
		}
	}
	slog.Debug("broadcast", "room", room, "type", msg.Type, "recipients", sent, "targets", len(targets))
}

// AcceptPending approves room requests for user. When all is true every
// pending room is approved; otherwise only the listed ones that are
// actually pending. The persistent migration (pending CSV → belong rows)
// always runs; a live session additionally gets its in-memory lists moved
// and a pending_room/ok frame per room. Returns the approved room names.
func (r *Registry) AcceptPending(user string, rooms []string, all bool) ([]string, error) {
	if s := r.findByName(user); s != nil {
		want := s.PendingRooms()
		if !all {
			want = intersect(want, rooms)
		}
		var approved []string
		for _, room := range want {
			if err := s.addroom(room); err != nil {
				return approved, err
			}
			approved = append(approved, room)
		}
		return approved, nil
	}

	// Offline user: migrate in storage only.
	pending, err := r.store.PendingRoomsFor(user)
	if err != nil {
		return nil, err
	}
	want := pending
	if !all {
		want = intersect(pending, rooms)
	}
	var approved []string
	remaining := pending
	for _, room := range want {
		if err := r.store.InsertMembership(user, room); err != nil {
			return approved, err
		}
		remaining = remove(remaining, room)
		approved = append(approved, room)
	}
	if len(approved) > 0 {
		if err := r.store.UpdatePendingRooms(user, remaining); err != nil {
			return approved, err
		}
	}
	return approved, nil
}

func intersect(have, want []string) []string {
	set := make(map[string]struct{}, len(want))
	for _, w := range want {
		set[w] = struct{}{}
	}
	var out []string
	for _, h := range have {
		if _, ok := set[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

func remove(list []string, item string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
