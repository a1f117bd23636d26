package core

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"parloir/internal/auth"
	"parloir/internal/protocol"
	"parloir/internal/store"
)

// dispatch routes one decoded client frame to its handler. Unknown types are
// logged and dropped; the connection stays up.
func (r *Registry) dispatch(s *Session, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSignup:
		r.handleSignup(s, msg)
	case protocol.TypeSignin:
		r.handleSignin(s, msg)
	case protocol.TypePendingRoom:
		r.handlePendingRoom(s, msg)
	case protocol.TypePublic:
		r.handlePublic(s, msg)
	case protocol.TypePrivate:
		r.handlePrivate(s, msg)
	case protocol.TypeDisconnect:
		r.handleDisconnect(s)
	default:
		slog.Warn("unknown frame type", "session", s.ID, "type", msg.Type)
	}
}

// handleSignup creates the account, authenticates the session, and auto-joins
// the default room. The users.name primary key arbitrates concurrent signups
// for the same name; the loser gets username_already_used.
func (r *Registry) handleSignup(s *Session, msg protocol.Message) {
	name, err := protocol.ValidateName(msg.Username)
	if err != nil {
		s.Send(protocol.ErrorFrame(protocol.TypeSignup, protocol.ReasonIncorrectUsername))
		return
	}

	hash, err := auth.HashPassword(msg.Password)
	if err != nil {
		slog.Error("hash password", "user", name, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypeSignup, protocol.ReasonIncorrectPassword))
		return
	}

	if err := r.store.InsertUser(name, hash, s.ip, time.Now()); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			s.Send(protocol.ErrorFrame(protocol.TypeSignup, protocol.ReasonUsernameAlreadyUse))
			return
		}
		// Storage faults surface verbatim: the client must not be told its
		// own input was wrong.
		slog.Error("insert user", "user", name, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypeSignup, err.Error()))
		return
	}

	rooms := []string{}
	if r.defaultRoom != "" {
		if err := r.store.InsertMembership(name, r.defaultRoom); err != nil {
			slog.Error("default room membership", "user", name, "err", err)
		} else {
			rooms = append(rooms, r.defaultRoom)
		}
	}

	s.authenticate(name, protocol.StateValid, rooms, nil, true)
	slog.Info("signup", "user", name, "session", s.ID, "ip", s.ip)
	s.Send(protocol.Message{
		Type:     protocol.TypeSignup,
		Status:   protocol.StatusOK,
		AllRooms: r.Rooms(),
		Rooms:    rooms,
	})
}

// handleSignin authenticates against the stored hash, then gates on the
// persisted moderation state. An expired kick is cleared on the spot; an
// active kick or any ban is answered with a terminal frame.
func (r *Registry) handleSignin(s *Session, msg protocol.Message) {
	name := msg.Username

	hash, err := r.store.UserPassword(name)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			s.Send(protocol.ErrorFrame(protocol.TypeSignin, protocol.ReasonIncorrectUsername))
			return
		}
		slog.Error("load password", "user", name, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypeSignin, err.Error()))
		return
	}
	if !auth.CheckPassword(hash, msg.Password) {
		s.Send(protocol.ErrorFrame(protocol.TypeSignin, protocol.ReasonIncorrectPassword))
		return
	}

	mod, err := r.store.UserModeration(name)
	if err != nil {
		slog.Error("load moderation", "user", name, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypeSignin, err.Error()))
		return
	}

	switch mod.State {
	case protocol.StateKick, protocol.StateKickIP:
		if !mod.Timeout.After(time.Now()) {
			// Kick expired: lift it and continue as a normal sign-in.
			if err := r.store.ClearModerationByName(name); err != nil {
				slog.Error("clear expired kick", "user", name, "err", err)
			}
			mod = store.Moderation{State: protocol.StateValid}
			break
		}
		slog.Info("signin refused, kicked", "user", name, "until", mod.Timeout)
		s.sendClose(protocol.Message{
			Type:    protocol.TypeSignin,
			Status:  protocol.StatusKick,
			Reason:  mod.Reason,
			Timeout: protocol.FormatTimeout(mod.Timeout),
		})
		return
	case protocol.StateBan, protocol.StateBanIP:
		slog.Info("signin refused, banned", "user", name)
		s.sendClose(protocol.Message{
			Type:   protocol.TypeSignin,
			Status: protocol.StatusBan,
			Reason: mod.Reason,
		})
		return
	}

	if err := r.store.UpdateUserIP(name, s.ip); err != nil {
		slog.Error("record ip", "user", name, "err", err)
	}
	rooms, err := r.store.MembershipsFor(name)
	if err != nil {
		slog.Error("load memberships", "user", name, "err", err)
	}
	pending, err := r.store.PendingRoomsFor(name)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		slog.Error("load pending rooms", "user", name, "err", err)
	}

	s.authenticate(name, mod.State, rooms, pending, true)
	slog.Info("signin", "user", name, "session", s.ID, "ip", s.ip)
	s.Send(protocol.Message{
		Type:     protocol.TypeSignin,
		Status:   protocol.StatusOK,
		AllRooms: r.Rooms(),
		Rooms:    rooms,
	})
}

// handlePendingRoom records a join request for an existing public room. The
// request only lands in the pending list; an operator approves it later.
// A successful request is deliberately unacknowledged.
func (r *Registry) handlePendingRoom(s *Session, msg protocol.Message) {
	if !s.LoggedIn() {
		s.Send(protocol.ErrorFrame(protocol.TypePendingRoom, protocol.ReasonNotLoggedIn))
		return
	}
	room := msg.Room

	r.mu.RLock()
	_, known := r.rooms[room]
	r.mu.RUnlock()
	if !known {
		s.Send(protocol.ErrorFrame(protocol.TypePendingRoom, protocol.ReasonRoomDoesNotExist))
		return
	}

	s.mu.Lock()
	if slices.Contains(s.rooms, room) || slices.Contains(s.pending, room) {
		s.mu.Unlock()
		s.Send(protocol.ErrorFrame(protocol.TypePendingRoom, protocol.ReasonAlreadyInRoom))
		return
	}
	name := s.name
	newPending := append(append([]string{}, s.pending...), room)
	s.mu.Unlock()

	if err := r.store.UpdatePendingRooms(name, newPending); err != nil {
		slog.Error("persist pending room", "user", name, "room", room, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypePendingRoom, err.Error()))
		return
	}
	s.mu.Lock()
	s.pending = newPending
	s.mu.Unlock()
	slog.Info("pending room requested", "user", name, "room", room)
}

// handlePublic persists one room message and fans it out to every valid
// member, the sender included. Persistence comes first: a message that cannot
// be stored is not delivered.
func (r *Registry) handlePublic(s *Session, msg protocol.Message) {
	if !s.LoggedIn() {
		s.Send(protocol.ErrorFrame(protocol.TypePublic, protocol.ReasonNotLoggedIn))
		return
	}
	if s.State() != protocol.StateValid || !s.inRoom(msg.Room) {
		s.Send(protocol.ErrorFrame(protocol.TypePublic, protocol.ReasonNotValidSender))
		return
	}

	name := s.Name()
	body := msg.Message
	if len(body) > protocol.MaxChatLength {
		body = body[:protocol.MaxChatLength]
	}
	if err := r.store.InsertMessage(name, msg.Room, time.Now(), body); err != nil {
		slog.Error("persist message", "user", name, "room", msg.Room, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypePublic, err.Error()))
		return
	}

	// Relay frames carry no status; clients tell a relay from an error by
	// its absence.
	r.Broadcast(msg.Room, protocol.Message{
		Type:    protocol.TypePublic,
		User:    name,
		Room:    msg.Room,
		Message: body,
	})
}

// handlePrivate establishes (or recovers) the deterministic two-party room
// between sender and recipient and joins both live sessions to it. The frame
// body is not relayed; the parties chat through the room with public frames.
func (r *Registry) handlePrivate(s *Session, msg protocol.Message) {
	if !s.LoggedIn() {
		s.Send(protocol.ErrorFrame(protocol.TypePrivate, protocol.ReasonNotLoggedIn))
		return
	}
	if s.State() != protocol.StateValid {
		s.Send(protocol.ErrorFrame(protocol.TypePrivate, protocol.ReasonNotValidSender))
		return
	}

	peer := r.findByName(msg.To)
	if peer == nil {
		s.Send(protocol.ErrorFrame(protocol.TypePrivate, protocol.ReasonRecipientNotFound))
		return
	}

	name := s.Name()
	room := protocol.PrivateRoomName(name, msg.To)
	if err := r.store.InsertRoom(room, protocol.RoomPrivate); err != nil && !errors.Is(err, store.ErrRoomExists) {
		slog.Error("create private room", "room", room, "err", err)
		s.Send(protocol.ErrorFrame(protocol.TypePrivate, err.Error()))
		return
	}
	for _, u := range []string{name, msg.To} {
		if err := r.store.InsertMembership(u, room); err != nil {
			slog.Error("private membership", "user", u, "room", room, "err", err)
			s.Send(protocol.ErrorFrame(protocol.TypePrivate, err.Error()))
			return
		}
	}

	s.joinRoom(room)
	peer.joinRoom(room)
	peer.Send(protocol.Message{Type: protocol.TypePrivate, Status: protocol.StatusOK, User: name, Room: room})
	s.Send(protocol.Message{Type: protocol.TypePrivate, Status: protocol.StatusOK, User: msg.To, Room: room})
	slog.Info("private room", "room", room, "a", name, "b", msg.To)
}

// handleDisconnect acknowledges and tears the session down after the ack is
// flushed.
func (r *Registry) handleDisconnect(s *Session) {
	slog.Info("disconnect", "session", s.ID, "user", s.Name())
	s.sendClose(protocol.Message{Type: protocol.TypeDisconnect, Status: protocol.StatusOK})
}
