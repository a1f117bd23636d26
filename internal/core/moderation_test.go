package core

import (
	"strings"
	"testing"
	"time"

	"parloir/internal/protocol"
)

func TestKickUserGatesSignin(t *testing.T) {
	reg := newTestRegistry(t)
	cl := dialClient(t, reg)
	cl.signup("alice", "pw")

	until := time.Now().Add(time.Hour)
	if err := reg.KickUser("alice", until, "flood"); err != nil {
		t.Fatal(err)
	}

	notice := cl.recv()
	if notice.Type != protocol.TypeKick || notice.Reason != "flood" || notice.Timeout == "" {
		t.Fatalf("unexpected kick notice: %+v", notice)
	}

	// A kicked session stays connected but can no longer send.
	cl.send(protocol.Message{Type: protocol.TypePublic, Room: "general", Message: "hi"})
	if reply := cl.recv(); reply.Reason != protocol.ReasonNotValidSender {
		t.Fatalf("kicked sender not refused: %+v", reply)
	}

	fresh := dialClient(t, reg)
	reply := fresh.signin("alice", "pw")
	if reply.Status != protocol.StatusKick {
		t.Fatalf("expected kick status at signin, got %+v", reply)
	}
	if reply.Reason != "flood" || reply.Timeout != protocol.FormatTimeout(until) {
		t.Fatalf("kick details wrong: %+v", reply)
	}
	fresh.expectClosed()
}

func TestExpiredKickClearsAtSignin(t *testing.T) {
	reg := newTestRegistry(t)
	cl := dialClient(t, reg)
	cl.signup("alice", "pw")
	cl.send(protocol.Message{Type: protocol.TypeDisconnect})
	cl.recv()
	cl.expectClosed()

	if err := reg.KickUser("alice", time.Now().Add(-time.Minute), "old news"); err != nil {
		t.Fatal(err)
	}

	back := dialClient(t, reg)
	reply := back.signin("alice", "pw")
	if reply.Status != protocol.StatusOK {
		t.Fatalf("expired kick still enforced: %+v", reply)
	}

	mod, err := reg.Store().UserModeration("alice")
	if err != nil {
		t.Fatal(err)
	}
	if mod.State != protocol.StateValid {
		t.Fatalf("expired kick not cleared in storage: %+v", mod)
	}
}

func TestUnkickUser(t *testing.T) {
	reg := newTestRegistry(t)
	cl := dialClient(t, reg)
	cl.signup("alice", "pw")

	if err := reg.KickUser("alice", time.Now().Add(time.Hour), "flood"); err != nil {
		t.Fatal(err)
	}
	cl.recv() // kick notice

	if err := reg.UnkickUser("alice"); err != nil {
		t.Fatal(err)
	}
	notice := cl.recv()
	if notice.Type != protocol.TypeUnkick {
		t.Fatalf("expected unkick notice, got %+v", notice)
	}

	// The live session can send again.
	cl.send(protocol.Message{Type: protocol.TypePublic, Room: "general", Message: "back"})
	if got := cl.recv(); got.Type != protocol.TypePublic || got.Message != "back" {
		t.Fatalf("unkicked sender still refused: %+v", got)
	}
}

func TestBanUserDisconnects(t *testing.T) {
	reg := newTestRegistry(t)
	cl := dialClient(t, reg)
	cl.signup("alice", "pw")

	if err := reg.BanUser("alice", "abuse"); err != nil {
		t.Fatal(err)
	}
	notice := cl.recv()
	if notice.Type != protocol.TypeBan || notice.Reason != "abuse" {
		t.Fatalf("unexpected ban notice: %+v", notice)
	}
	cl.expectClosed()

	fresh := dialClient(t, reg)
	reply := fresh.signin("alice", "pw")
	if reply.Status != protocol.StatusBan || reply.Reason != "abuse" {
		t.Fatalf("ban not enforced at signin: %+v", reply)
	}
	fresh.expectClosed()

	if err := reg.UnbanUser("alice"); err != nil {
		t.Fatal(err)
	}
	again := dialClient(t, reg)
	if reply := again.signin("alice", "pw"); reply.Status != protocol.StatusOK {
		t.Fatalf("unban not effective: %+v", reply)
	}
}

func TestKickIPCoversAllAccounts(t *testing.T) {
	reg := newTestRegistry(t)
	alice := dialClient(t, reg)
	bob := dialClient(t, reg)
	alice.signup("alice", "pw")
	bob.signup("bob", "pw")

	n, err := reg.KickIP("127.0.0.1", time.Now().Add(time.Hour), "abuse")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 accounts kicked, got %d", n)
	}

	for _, cl := range []*client{alice, bob} {
		notice := cl.recv()
		if notice.Type != protocol.TypeKickIP {
			t.Fatalf("expected kick_ip notice, got %+v", notice)
		}
		if !strings.HasPrefix(notice.Reason, "127.0.0.1:") {
			t.Fatalf("reason not tagged with the address: %q", notice.Reason)
		}
	}

	fresh := dialClient(t, reg)
	reply := fresh.signin("alice", "pw")
	if reply.Status != protocol.StatusKick {
		t.Fatalf("ip kick not enforced at signin: %+v", reply)
	}
	fresh.expectClosed()

	if n, err = reg.UnkickIP("127.0.0.1"); err != nil || n != 2 {
		t.Fatalf("unkick ip: n=%d err=%v", n, err)
	}
	for _, cl := range []*client{alice, bob} {
		if notice := cl.recv(); notice.Type != protocol.TypeUnkickIP {
			t.Fatalf("expected unkick_ip notice, got %+v", notice)
		}
	}
}

func TestBanIPDisconnectsAllSessions(t *testing.T) {
	reg := newTestRegistry(t)
	alice := dialClient(t, reg)
	bob := dialClient(t, reg)
	alice.signup("alice", "pw")
	bob.signup("bob", "pw")

	n, err := reg.BanIP("127.0.0.1", "raid")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 accounts banned, got %d", n)
	}
	for _, cl := range []*client{alice, bob} {
		if notice := cl.recv(); notice.Type != protocol.TypeBanIP {
			t.Fatalf("expected ban_ip notice, got %+v", notice)
		}
		cl.expectClosed()
	}

	if n, err = reg.UnbanIP("127.0.0.1"); err != nil || n != 2 {
		t.Fatalf("unban ip: n=%d err=%v", n, err)
	}
}

func TestKillDropsSessionWithoutSanction(t *testing.T) {
	reg := newTestRegistry(t)
	cl := dialClient(t, reg)
	cl.signup("alice", "pw")

	if err := reg.Kill("alice", "maintenance"); err != nil {
		t.Fatal(err)
	}
	notice := cl.recv()
	if notice.Type != protocol.TypeKill || notice.Reason != "maintenance" {
		t.Fatalf("unexpected kill notice: %+v", notice)
	}
	cl.expectClosed()

	// No persisted sanction: reconnect works immediately.
	back := dialClient(t, reg)
	if reply := back.signin("alice", "pw"); reply.Status != protocol.StatusOK {
		t.Fatalf("killed user cannot reconnect: %+v", reply)
	}

	if err := reg.Kill("ghost", "x"); err == nil {
		t.Fatal("kill of unknown user must fail")
	}
}
