package core

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"time"

	"parloir/internal/protocol"
)

const (
	// readTick bounds every blocking read so stop flags are observed
	// within one tick.
	readTick = 1 * time.Second
	// writeTimeout bounds how long a write to one peer may block.
	writeTimeout = 5 * time.Second
)

// ErrFrameTooLarge is returned when a single frame exceeds the wire cap.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Conn abstracts one framed client transport. The TCP implementation lives
// here; the websocket one wraps a gorilla connection in internal/ws.
//
// ReadFrame returns one raw JSON frame. A timeout error (net.Error with
// Timeout() true) means no complete frame arrived within one tick; the
// session loop uses those ticks to observe shutdown flags.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
	RemoteAddr() net.Addr
}

// tcpConn frames newline-delimited JSON on a TCP stream.
type tcpConn struct {
	c       net.Conn
	br      *bufio.Reader
	pending []byte
}

// NewTCPConn wraps a stream socket in the newline-framed JSON codec.
func NewTCPConn(c net.Conn) Conn {
	return &tcpConn{c: c, br: bufio.NewReaderSize(c, 4096)}
}

func (t *tcpConn) ReadFrame() ([]byte, error) {
	for {
		_ = t.c.SetReadDeadline(time.Now().Add(readTick))
		chunk, err := t.br.ReadBytes('\n')
		t.pending = append(t.pending, chunk...)
		if len(t.pending) > protocol.MaxFrameBytes {
			t.pending = nil
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			frame := bytes.TrimRight(t.pending, "\r\n")
			t.pending = nil
			return frame, nil
		}
		if isTimeout(err) {
			if len(t.pending) == 0 {
				return nil, err
			}
			// Partial frame buffered: keep reading past the tick.
			continue
		}
		return nil, err
	}
}

func (t *tcpConn) WriteFrame(data []byte) error {
	_ = t.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.c.Write(append(data, '\n'))
	return err
}

func (t *tcpConn) Close() error {
	return t.c.Close()
}

func (t *tcpConn) RemoteAddr() net.Addr {
	return t.c.RemoteAddr()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// peerIP extracts the bare address from "ip:port"; moderation scopes by
// address only.
func peerIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
