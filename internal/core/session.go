package core

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"parloir/internal/protocol"
)

// sendTimeout bounds how long enqueueing a frame for one session may block.
const sendTimeout = 50 * time.Millisecond

// outFrame is one queued server→client frame. closeAfter marks terminal
// frames (ban at signin, disconnect ack): the writer flushes the frame and
// then tears the session down, so the peer always sees the frame before the
// close.
type outFrame struct {
	msg        protocol.Message
	closeAfter bool
}

// Session is the server-side representation of one connected client. Its
// receive loop runs on the goroutine that called Registry.Serve; a dedicated
// writer goroutine drains send so broadcast and moderation frames never
// interleave on the wire.
type Session struct {
	ID   string
	conn Conn
	reg  *Registry
	ip   string

	send      chan outFrame
	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	name    string
	state   string
	login   bool
	rooms   []string
	pending []string
}

func newSession(conn Conn, reg *Registry) *Session {
	return &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		reg:    reg,
		ip:     peerIP(conn.RemoteAddr()),
		send:   make(chan outFrame, 64),
		closed: make(chan struct{}),
	}
}

// Name returns the authenticated username, empty before sign-in/up.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the in-memory moderation state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState mirrors a persisted moderation change onto the live session.
func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// LoggedIn reports whether authentication succeeded on this session.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login
}

// IP returns the peer address without the port.
func (s *Session) IP() string {
	return s.ip
}

// Rooms returns a snapshot of the session's room memberships.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms)
}

// PendingRooms returns a snapshot of the session's unapproved room requests.
func (s *Session) PendingRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// inRoom reports membership without copying.
func (s *Session) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.rooms, room)
}

// authenticate installs the identity loaded at sign-in/up.
func (s *Session) authenticate(name, state string, rooms, pending []string, login bool) {
	s.mu.Lock()
	s.name = name
	s.state = state
	s.rooms = rooms
	s.pending = pending
	s.login = login
	s.mu.Unlock()
}

// joinRoom appends a membership to the in-memory list if absent.
func (s *Session) joinRoom(room string) {
	s.mu.Lock()
	if !slices.Contains(s.rooms, room) {
		s.rooms = append(s.rooms, room)
	}
	s.mu.Unlock()
}

// Send queues one frame for the writer goroutine. Delivery is best-effort:
// a full queue or a closed session drops the frame and returns false.
func (s *Session) Send(msg protocol.Message) bool {
	return s.enqueue(outFrame{msg: msg})
}

// sendClose queues a terminal frame; the writer closes the session after
// flushing it.
func (s *Session) sendClose(msg protocol.Message) bool {
	return s.enqueue(outFrame{msg: msg, closeAfter: true})
}

func (s *Session) enqueue(f outFrame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	case <-s.closed:
		return false
	case <-time.After(sendTimeout):
		slog.Debug("send queue full, frame dropped", "session", s.ID, "type", f.msg.Type)
		return false
	}
}

// close tears the session down exactly once: the connection is closed
// (unblocking the receive loop) and the session leaves the live set.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.reg.removeSession(s)
	})
}

// run is the receive loop. It terminates on peer close, socket error, the
// registry's stop flag, or a terminal frame flushed by the writer.
func (s *Session) run() {
	go s.writeLoop()
	defer s.close()

	for {
		if s.reg.stopClients.Load() {
			return
		}
		select {
		case <-s.closed:
			return
		default:
		}

		frame, err := s.conn.ReadFrame()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// EOF, reset, or local close: terminate quietly at debug level,
			// real transport faults at error level is overkill for a chat peer.
			slog.Debug("receive loop ended", "session", s.ID, "user", s.Name(), "err", err)
			return
		}
		if len(frame) == 0 {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			slog.Warn("undecodable frame dropped", "session", s.ID, "err", err)
			continue
		}
		s.reg.dispatch(s, msg)
	}
}

// writeLoop serialises all outbound frames for this session.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case f := <-s.send:
			data, err := json.Marshal(f.msg)
			if err != nil {
				slog.Error("marshal frame", "session", s.ID, "type", f.msg.Type, "err", err)
				continue
			}
			if err := s.conn.WriteFrame(data); err != nil {
				slog.Debug("write failed", "session", s.ID, "user", s.Name(), "err", err)
				s.close()
				return
			}
			if f.closeAfter {
				s.close()
				return
			}
		}
	}
}

// addroom atomically migrates one room from pending to membership: the
// pending CSV shrinks in storage, the belong row is inserted, the in-memory
// lists move, and the client is notified. Invariant: pending ∩ rooms = ∅.
func (s *Session) addroom(room string) error {
	s.mu.Lock()
	i := slices.Index(s.pending, room)
	if i < 0 {
		s.mu.Unlock()
		return errRoomNotPending
	}
	newPending := slices.Delete(slices.Clone(s.pending), i, i+1)
	name := s.name
	s.mu.Unlock()

	if err := s.reg.store.UpdatePendingRooms(name, newPending); err != nil {
		return err
	}
	if err := s.reg.store.InsertMembership(name, room); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending = newPending
	if !slices.Contains(s.rooms, room) {
		s.rooms = append(s.rooms, room)
	}
	s.mu.Unlock()

	s.Send(protocol.Message{Type: protocol.TypePendingRoom, Status: protocol.StatusOK, Room: room})
	slog.Info("pending room approved", "user", name, "room", room)
	return nil
}
