package core

import (
	"fmt"
	"log/slog"
	"time"

	"parloir/internal/protocol"
)

// Moderation operations invoked from the operator console. Each persists the
// state change first, then mirrors it onto any live session. A kick leaves
// the connection up so the client sees the notice and can linger; a ban and a
// kill tear the connection down after the frame is flushed.

// KickUser marks name kicked until the given instant. A signed-in session is
// notified but not disconnected; the gate is enforced at the next sign-in.
func (r *Registry) KickUser(name string, until time.Time, reason string) error {
	if err := r.store.SetModerationByName(name, protocol.StateKick, reason, until); err != nil {
		return fmt.Errorf("kick %s: %w", name, err)
	}
	if s := r.findByName(name); s != nil {
		s.setState(protocol.StateKick)
		s.Send(protocol.Message{
			Type:    protocol.TypeKick,
			Reason:  reason,
			Timeout: protocol.FormatTimeout(until),
		})
	}
	slog.Info("user kicked", "user", name, "until", until, "reason", reason)
	return nil
}

// KickIP marks every account last seen at ip kicked until the given instant.
// The stored reason is prefixed with the address so an operator can later
// tell an address-wide kick from a per-user one. Returns the number of
// accounts affected.
func (r *Registry) KickIP(ip string, until time.Time, reason string) (int64, error) {
	tagged := ip + ":" + reason
	n, err := r.store.SetModerationByIP(ip, protocol.StateKickIP, tagged, until)
	if err != nil {
		return 0, fmt.Errorf("kick ip %s: %w", ip, err)
	}
	for _, s := range r.findByIP(ip) {
		s.setState(protocol.StateKickIP)
		s.Send(protocol.Message{
			Type:    protocol.TypeKickIP,
			Reason:  tagged,
			Timeout: protocol.FormatTimeout(until),
		})
	}
	slog.Info("ip kicked", "ip", ip, "until", until, "reason", reason, "accounts", n)
	return n, nil
}

// UnkickUser lifts a kick before its expiry.
func (r *Registry) UnkickUser(name string) error {
	if err := r.store.ClearModerationByName(name); err != nil {
		return fmt.Errorf("unkick %s: %w", name, err)
	}
	if s := r.findByName(name); s != nil {
		s.setState(protocol.StateValid)
		s.Send(protocol.Message{Type: protocol.TypeUnkick})
	}
	slog.Info("user unkicked", "user", name)
	return nil
}

// UnkickIP lifts an address-wide kick. Returns the number of accounts
// affected.
func (r *Registry) UnkickIP(ip string) (int64, error) {
	n, err := r.store.ClearModerationByIP(ip)
	if err != nil {
		return 0, fmt.Errorf("unkick ip %s: %w", ip, err)
	}
	for _, s := range r.findByIP(ip) {
		s.setState(protocol.StateValid)
		s.Send(protocol.Message{Type: protocol.TypeUnkickIP})
	}
	slog.Info("ip unkicked", "ip", ip, "accounts", n)
	return n, nil
}

// BanUser permanently bans name. A signed-in session gets the notice and is
// then disconnected.
func (r *Registry) BanUser(name, reason string) error {
	if err := r.store.SetModerationByName(name, protocol.StateBan, reason, time.Time{}); err != nil {
		return fmt.Errorf("ban %s: %w", name, err)
	}
	if s := r.findByName(name); s != nil {
		s.setState(protocol.StateBan)
		if !s.sendClose(protocol.Message{Type: protocol.TypeBan, Reason: reason}) {
			s.close()
		}
	}
	slog.Info("user banned", "user", name, "reason", reason)
	return nil
}

// BanIP permanently bans every account last seen at ip and disconnects their
// live sessions. Returns the number of accounts affected.
func (r *Registry) BanIP(ip, reason string) (int64, error) {
	tagged := ip + ":" + reason
	n, err := r.store.SetModerationByIP(ip, protocol.StateBanIP, tagged, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("ban ip %s: %w", ip, err)
	}
	for _, s := range r.findByIP(ip) {
		s.setState(protocol.StateBanIP)
		if !s.sendClose(protocol.Message{Type: protocol.TypeBanIP, Reason: tagged}) {
			s.close()
		}
	}
	slog.Info("ip banned", "ip", ip, "reason", reason, "accounts", n)
	return n, nil
}

// UnbanUser lifts a permanent ban.
func (r *Registry) UnbanUser(name string) error {
	if err := r.store.ClearModerationByName(name); err != nil {
		return fmt.Errorf("unban %s: %w", name, err)
	}
	if s := r.findByName(name); s != nil {
		s.setState(protocol.StateValid)
		s.Send(protocol.Message{Type: protocol.TypeUnban})
	}
	slog.Info("user unbanned", "user", name)
	return nil
}

// UnbanIP lifts an address-wide ban. Returns the number of accounts affected.
func (r *Registry) UnbanIP(ip string) (int64, error) {
	n, err := r.store.ClearModerationByIP(ip)
	if err != nil {
		return 0, fmt.Errorf("unban ip %s: %w", ip, err)
	}
	for _, s := range r.findByIP(ip) {
		s.setState(protocol.StateValid)
		s.Send(protocol.Message{Type: protocol.TypeUnbanIP})
	}
	slog.Info("ip unbanned", "ip", ip, "accounts", n)
	return n, nil
}

// Kill forcibly disconnects one live session without touching the persisted
// moderation state. The user may reconnect immediately.
func (r *Registry) Kill(name, reason string) error {
	s := r.findByName(name)
	if s == nil {
		return fmt.Errorf("kill %s: no live session", name)
	}
	if !s.sendClose(protocol.Message{Type: protocol.TypeKill, Reason: reason}) {
		s.close()
	}
	slog.Info("session killed", "user", name, "reason", reason)
	return nil
}
