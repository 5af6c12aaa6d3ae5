package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docket/internal/job"
)

// Mode says how a handle is currently receiving updates.
type Mode string

const (
	// ModeChannel is the live websocket channel.
	ModeChannel Mode = "channel"
	// ModePolling is the fixed-interval status poll fallback.
	ModePolling Mode = "polling"
)

// Sentinel errors callers branch on.
var (
	// ErrRetriesExhausted reports that every allowed channel open failed
	// and no polling fallback is configured.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected reports a Send without a live channel.
	ErrNotConnected = errors.New("channel not connected")
)

// Handler receives every event for one job, in arrival order, from a
// single goroutine.
type Handler func(job.Event)

// Handle is one job's live subscription. Events flow to the handler until
// the job reaches a terminal state or the handle is closed; the handler is
// never called again after Done is closed.
type Handle interface {
	// JobID returns the subscribed job.
	JobID() string
	// Send writes an event to the backend over the live channel.
	Send(ev job.Event) error
	// Close stops the subscription. Safe to call more than once and
	// after completion.
	Close() error
	// Done is closed once every queued event has been delivered and all
	// goroutines and timers are gone.
	Done() <-chan struct{}
	// Err explains why the handle stopped, nil for a clean stop.
	Err() error
	// Mode reports channel or polling delivery.
	Mode() Mode
}

// readResult says why a connection's read loop ended.
type readResult int

const (
	readAbnormal readResult = iota // reconnectable failure
	readTerminal                   // terminal notification received
	readClosed                     // server closed the channel cleanly
	readCancelled                  // handle closing
)

type handle struct {
	jobID   string
	url     string
	client  Backend
	handler Handler
	logger  *zap.Logger

	baseDelay        time.Duration
	maxDelay         time.Duration
	maxAttempts      int
	heartbeat        time.Duration
	pollInterval     time.Duration
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	events chan job.Event
	done   chan struct{}

	closeOnce sync.Once

	mu   sync.Mutex // guards conn, mode, err
	conn *websocket.Conn
	mode Mode
	err  error

	writeMu sync.Mutex // serializes websocket writes
}

func (h *handle) JobID() string {
	return h.jobID
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
	})
	return nil
}

// Send writes ev to the backend. Only available while the live channel is
// up; polling mode has no send path.
func (h *handle) Send(ev job.Event) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := job.EncodeFrame(ev)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(h.handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// run is the single producer: it owns the connection lifecycle, decodes
// frames, and enqueues events. It closes the event queue on exit, which
// lets dispatch drain and close done.
func (h *handle) run() {
	defer close(h.events)

	attempt := 0
	for {
		if h.ctx.Err() != nil {
			return
		}

		if attempt >= h.maxAttempts {
			if h.pollInterval <= 0 {
				h.setErr(ErrRetriesExhausted)
				h.enqueue(job.ErrorEvent{
					JobID:     h.jobID,
					Message:   ErrRetriesExhausted.Error(),
					Timestamp: time.Now(),
				})
				h.emitState(job.StateDisconnected, "giving up")
				return
			}
			h.runPolling()
			return
		}

		conn, err := h.dial()
		if err != nil {
			delay := h.backoff(attempt)
			attempt++
			h.logger.Debug("channel dial failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay))
			h.emitState(job.StateDisconnected,
				fmt.Sprintf("dial failed, retrying in %s", delay))
			if !h.sleep(delay) {
				return
			}
			continue
		}

		// A successful open resets the failure counter.
		attempt = 0
		h.setConn(conn)
		h.emitState(job.StateConnected, "")
		h.logger.Debug("channel connected", zap.String("url", h.url))

		// Closing the handle must unblock a pending read.
		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-h.ctx.Done():
				conn.Close()
			case <-stopWatch:
			}
		}()

		result := h.readLoop(conn)
		close(stopWatch)
		h.setConn(nil)
		conn.Close()

		switch result {
		case readTerminal:
			h.emitState(job.StateTerminal, "")
			return
		case readClosed:
			h.emitState(job.StateDisconnected, "channel closed by server")
			return
		case readCancelled:
			return
		default:
			delay := h.backoff(attempt)
			attempt++
			h.emitState(job.StateDisconnected,
				fmt.Sprintf("connection lost, retrying in %s", delay))
			if !h.sleep(delay) {
				return
			}
		}
	}
}

// dispatch is the single consumer: it delivers queued events to the
// handler in order, then marks the handle done.
func (h *handle) dispatch() {
	for ev := range h.events {
		h.handler(ev)
	}
	close(h.done)
}

func (h *handle) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: h.handshakeTimeout}
	conn, _, err := dialer.DialContext(h.ctx, h.url, nil)
	return conn, err
}

// readLoop reads frames until the connection drops, a terminal
// notification arrives, or the handle closes. A heartbeat goroutine pings
// the backend each interval; any received frame extends the read deadline.
func (h *handle) readLoop(conn *websocket.Conn) readResult {
	stop := make(chan struct{})
	defer close(stop)
	go h.heartbeatLoop(conn, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if h.ctx.Err() != nil {
				return readCancelled
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return readClosed
			}
			return readAbnormal
		}

		ev, err := job.DecodeFrame(data)
		if err != nil {
			h.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if _, ok := ev.(job.HeartbeatEvent); ok {
			continue
		}

		h.enqueue(ev)

		if n, ok := ev.(job.NotificationEvent); ok && n.Terminal() {
			return readTerminal
		}
	}
}

// heartbeatLoop sends a heartbeat frame every interval so the backend can
// tell a live subscriber from a dead socket. A write failure just stops
// the loop; the read side notices the dead connection on its own.
func (h *handle) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			data, err := job.EncodeFrame(job.HeartbeatEvent{
				JobID:     h.jobID,
				Timestamp: time.Now(),
			})
			if err != nil {
				return
			}
			h.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(h.handshakeTimeout))
			err = conn.WriteMessage(websocket.TextMessage, data)
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// backoff returns min(base << attempt, max).
func (h *handle) backoff(attempt int) time.Duration {
	delay := h.baseDelay << attempt
	if delay <= 0 || delay > h.maxDelay {
		return h.maxDelay
	}
	return delay
}

// sleep waits for d, returning false when the handle closed first.
func (h *handle) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// enqueue hands ev to the dispatch goroutine. During shutdown the event is
// dropped instead of blocking forever on a stalled consumer.
func (h *handle) enqueue(ev job.Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *handle) emitState(state job.ConnState, detail string) {
	h.enqueue(job.StateEvent{
		JobID:     h.jobID,
		State:     state,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

func (h *handle) setConn(conn *websocket.Conn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

func (h *handle) setMode(m Mode) {
	h.mu.Lock()
	h.mode = m
	h.mu.Unlock()
}

func (h *handle) setErr(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}
