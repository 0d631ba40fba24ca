package hub

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/livefeed/internal/protocol"
	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("write: broken pipe")

// fakeTransport records frames instead of writing to a socket.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closeCodes []int
	closed     bool
	failWrites bool
	gate       chan struct{}
	closedCh   chan struct{}
	pong       func(string) error
}

// closedSignal is closed by Close. Like a real socket, closing unblocks a held write.
func (f *fakeTransport) closedSignal() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedCh == nil {
		f.closedCh = make(chan struct{})
	}
	return f.closedCh
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.closedSignal():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.failWrites {
		return errBrokenPipe
	}

	switch messageType {
	case websocket.TextMessage:
		f.frames = append(f.frames, append([]byte(nil), data...))
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCodes = append(f.closeCodes, int(binary.BigEndian.Uint16(data)))
		}
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pong = h
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedCh == nil {
		f.closedCh = make(chan struct{})
	}
	if !f.closed {
		close(f.closedCh)
	}
	f.closed = true
	return nil
}

func (f *fakeTransport) breakWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = true
}

// hold blocks every following write until the returned release func is called.
func (f *fakeTransport) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeTransport) receivePong() {
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) closeCodeList() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

// messages decodes every text frame written so far.
func (f *fakeTransport) messages(t *testing.T) []protocol.ServerMessage {
	t.Helper()

	f.mu.Lock()
	frames := append([][]byte(nil), f.frames...)
	f.mu.Unlock()

	out := make([]protocol.ServerMessage, 0, len(frames))
	for _, frame := range frames {
		msg, err := protocol.DecodeServerMessage(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// waitForMessages blocks until at least n text frames were written and returns them.
func (f *fakeTransport) waitForMessages(t *testing.T, n int) []protocol.ServerMessage {
	t.Helper()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.frames) >= n
	}, time.Second, time.Millisecond, "expected at least %d frames", n)
	return f.messages(t)
}

func updatesOf(msgs []protocol.ServerMessage) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, m := range msgs {
		if m.Type == protocol.TypeUpdate {
			out = append(out, m)
		}
	}
	return out
}
