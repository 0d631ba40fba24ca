package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/protocol"
)

const (
	writeDeadline = 5 * time.Second

	// stopGrace bounds how long a graceful stop waits for an in-flight write before
	// giving up on the close frame.
	stopGrace         = 250 * time.Millisecond
	closeFrameTimeout = time.Second
)

var _ Transport = (*websocket.Conn)(nil)

// Transport is the part of *websocket.Conn the hub needs.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// connWriter is the only goroutine that writes to a connection's transport.
type connWriter struct {
	transport         Transport
	clock             clockwork.Clock
	sendChannel       chan []byte
	doneChannel       chan struct{}
	stopOnce          sync.Once
	failOnce          sync.Once
	failed            atomic.Bool
	wg                sync.WaitGroup
	lastActivity      time.Time
	activityMutex     sync.Mutex
	heartbeatInterval time.Duration
	maxMissed         int
	onFailure         func(reason string)
}

func newConnWriter(transport Transport, clock clockwork.Clock, cfg Config, onFailure func(reason string)) *connWriter {
	cw := &connWriter{
		transport:         transport,
		clock:             clock,
		sendChannel:       make(chan []byte, cfg.WriteBufferSize),
		doneChannel:       make(chan struct{}),
		lastActivity:      clock.Now(),
		heartbeatInterval: cfg.HeartbeatInterval,
		maxMissed:         cfg.HeartbeatMaxMissed,
		onFailure:         onFailure,
	}
	cw.transport.SetPongHandler(func(string) error {
		cw.recordActivity()
		return nil
	})
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *connWriter) run() {
	ticker := cw.clock.NewTicker(cw.heartbeatInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.transport.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.fail("write_failed", err)
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			if cw.heartbeatExpired() {
				metrics.WebSocketHeartbeatEvictions.Inc()
				cw.writeClose(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
				cw.fail("heartbeat_timeout", nil)
				return
			}

			cw.updateWriteDeadline()
			if err := cw.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				cw.fail("ping_failed", err)
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// trySend hands msg to the writer without blocking.
// Returns false if the writer has failed or its buffer is full.
func (cw *connWriter) trySend(msg []byte) bool {
	if cw.failed.Load() {
		return false
	}
	select {
	case <-cw.doneChannel:
		return false
	default:
	}

	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

// fail closes the transport and reports reason to the hub, unless the writer was stopped on purpose.
func (cw *connWriter) fail(reason string, err error) {
	select {
	case <-cw.doneChannel:
		return
	default:
	}

	cw.failOnce.Do(func() {
		cw.failed.Store(true)
		_ = cw.transport.Close()
		if err != nil {
			slog.Debug("Connection writer failed", "reason", reason, "error", err)
		}
		if cw.onFailure != nil {
			// The hub may be waiting on this goroutine in stop(), so report asynchronously.
			go cw.onFailure(reason)
		}
	})
}

func (cw *connWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.transport.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with code and reason before closing. A writer stuck on a
// slow peer for longer than stopGrace is closed without the frame, so the hub goroutine never
// waits for a full write deadline.
func (cw *connWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// run must have exited so the close frame is not written concurrently.
		if !cw.waitRun(stopGrace) {
			slog.Debug("Connection writer stuck, closing without close frame", "code", code)
			_ = cw.transport.Close()
			return
		}

		if !cw.failed.Load() {
			_ = cw.transport.SetWriteDeadline(cw.clock.Now().Add(closeFrameTimeout))
			_ = cw.transport.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		}
		_ = cw.transport.Close()
	})
	cw.wg.Wait()
}

// waitRun reports whether run exited within d.
func (cw *connWriter) waitRun(d time.Duration) bool {
	exited := make(chan struct{})
	go func() {
		cw.wg.Wait()
		close(exited)
	}()

	timer := cw.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-exited:
		return true
	case <-timer.Chan():
		return false
	}
}

func (cw *connWriter) writeClose(code int, reason string) {
	cw.updateWriteDeadline()
	_ = cw.transport.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (cw *connWriter) updateWriteDeadline() {
	_ = cw.transport.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

// recordActivity marks the connection alive. Pongs and inbound frames both count.
func (cw *connWriter) recordActivity() {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	cw.lastActivity = cw.clock.Now()
}

// heartbeatExpired reports whether more than maxMissed heartbeat intervals passed without activity.
func (cw *connWriter) heartbeatExpired() bool {
	cw.activityMutex.Lock()
	idle := cw.clock.Since(cw.lastActivity)
	cw.activityMutex.Unlock()

	return idle > time.Duration(cw.maxMissed)*cw.heartbeatInterval
}
