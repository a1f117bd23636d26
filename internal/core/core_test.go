package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"parloir/internal/protocol"
	"parloir/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg, err := NewRegistry(st, "general")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	go func() {
		if err := reg.Run("127.0.0.1:0"); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for reg.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(reg.Close)
	return reg
}

// client speaks the newline-framed JSON protocol against a test registry.
type client struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func dialClient(t *testing.T, reg *Registry) *client {
	t.Helper()
	c, err := net.Dial("tcp", reg.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &client{t: t, c: c, br: bufio.NewReader(c)}
}

func (cl *client) send(msg protocol.Message) {
	cl.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		cl.t.Fatalf("marshal: %v", err)
	}
	_ = cl.c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if _, err := cl.c.Write(append(data, '\n')); err != nil {
		cl.t.Fatalf("write frame: %v", err)
	}
}

func (cl *client) recv() protocol.Message {
	cl.t.Helper()
	_ = cl.c.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := cl.br.ReadBytes('\n')
	if err != nil {
		cl.t.Fatalf("read frame: %v", err)
	}
	var m protocol.Message
	if err := json.Unmarshal(bytes.TrimSpace(line), &m); err != nil {
		cl.t.Fatalf("decode frame %q: %v", line, err)
	}
	return m
}

// expectNone asserts no frame arrives within the grace window.
func (cl *client) expectNone() {
	cl.t.Helper()
	_ = cl.c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	line, err := cl.br.ReadBytes('\n')
	if err == nil {
		cl.t.Fatalf("unexpected frame: %s", line)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		cl.t.Fatalf("expected read timeout, got %v", err)
	}
}

// expectClosed asserts the server closes the connection.
func (cl *client) expectClosed() {
	cl.t.Helper()
	_ = cl.c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if line, err := cl.br.ReadBytes('\n'); err == nil {
		cl.t.Fatalf("expected close, got frame: %s", line)
	}
}

func (cl *client) signup(name, password string) protocol.Message {
	cl.t.Helper()
	cl.send(protocol.Message{Type: protocol.TypeSignup, Username: name, Password: password})
	reply := cl.recv()
	if reply.Type != protocol.TypeSignup || reply.Status != protocol.StatusOK {
		cl.t.Fatalf("signup %s failed: %+v", name, reply)
	}
	return reply
}

func (cl *client) signin(name, password string) protocol.Message {
	cl.t.Helper()
	cl.send(protocol.Message{Type: protocol.TypeSignin, Username: name, Password: password})
	return cl.recv()
}
