package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is the sealed set of messages delivered for one job over the live
// update channel (or synthesized by the polling fallback). Consumers switch
// on the concrete type; the set is closed so a switch can be exhaustive.
//
// Wire frames carry {type, job_id, progress?, current_node?, message?,
// node_progress?, notification_type?, timestamp}; DecodeFrame maps each
// frame onto exactly one Event case.
type Event interface {
	// EventJobID returns the job the event belongs to.
	EventJobID() string
	// EventTime returns when the event was produced.
	EventTime() time.Time

	isEvent()
}

// ProgressEvent reports forward motion of the current phase. Progress is
// the overall 0-100 figure; Node and NodeProgress identify the processing
// node (or, during multi-model analysis, the model back-end) currently
// working and its own completion percentage.
type ProgressEvent struct {
	JobID        string    `json:"job_id"`
	Progress     int       `json:"progress"`
	Node         string    `json:"current_node,omitempty"`
	NodeProgress int       `json:"node_progress,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventJobID() string   { return e.JobID }
func (e ProgressEvent) EventTime() time.Time { return e.Timestamp }
func (ProgressEvent) isEvent()               {}

// Notification types produced by the backend.
const (
	NotifyPhaseCompleted = "phase_completed" // current phase's processing finished
	NotifyCompleted      = "completed"       // whole job finished
	NotifyFailed         = "failed"          // whole job failed
	NotifyCancelled      = "cancelled"       // job cancelled server-side
	NotifyModelCompleted = "model_completed" // one model run finished (node names the back-end)
	NotifyModelFailed    = "model_failed"    // one model run failed
)

// NotificationEvent carries a discrete lifecycle signal for the job or for
// one of its model runs.
type NotificationEvent struct {
	JobID            string    `json:"job_id"`
	NotificationType string    `json:"notification_type"`
	Node             string    `json:"current_node,omitempty"`
	Message          string    `json:"message,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e NotificationEvent) EventJobID() string   { return e.JobID }
func (e NotificationEvent) EventTime() time.Time { return e.Timestamp }
func (NotificationEvent) isEvent()               {}

// Terminal reports whether the notification ends the job. Per-run and
// per-phase notifications are not terminal; the job stays in its phase
// awaiting an explicit operator action.
func (e NotificationEvent) Terminal() bool {
	switch e.NotificationType {
	case NotifyCompleted, NotifyFailed, NotifyCancelled:
		return true
	}
	return false
}

// TerminalPhase returns the terminal phase a terminal notification maps to.
func (e NotificationEvent) TerminalPhase() (Phase, bool) {
	switch e.NotificationType {
	case NotifyCompleted:
		return PhaseCompleted, true
	case NotifyFailed:
		return PhaseFailed, true
	case NotifyCancelled:
		return PhaseCancelled, true
	}
	return "", false
}

// ErrorEvent reports a backend-attributed error for the job. It is
// informational: whether the job fails is decided by notifications, not by
// error frames.
type ErrorEvent struct {
	JobID     string    `json:"job_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ErrorEvent) EventJobID() string   { return e.JobID }
func (e ErrorEvent) EventTime() time.Time { return e.Timestamp }
func (ErrorEvent) isEvent()               {}

// ConnState is a transport state transition re-emitted through the handler
// so consumers observe connectivity without knowing whether the transport
// is a live channel or the polling fallback.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StatePolling      ConnState = "polling"
	StateTerminal     ConnState = "terminal"
)

// StateEvent is synthesized locally by the transport layer; it never
// appears on the wire.
type StateEvent struct {
	JobID     string    `json:"job_id"`
	State     ConnState `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e StateEvent) EventJobID() string   { return e.JobID }
func (e StateEvent) EventTime() time.Time { return e.Timestamp }
func (StateEvent) isEvent()               {}

// HeartbeatEvent marks a keepalive frame. It is decoded so the transport
// can account for it, and is always filtered out before dispatch.
type HeartbeatEvent struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e HeartbeatEvent) EventJobID() string   { return e.JobID }
func (e HeartbeatEvent) EventTime() time.Time { return e.Timestamp }
func (HeartbeatEvent) isEvent()               {}

// Frame type tags on the wire.
const (
	frameProgress     = "progress"
	frameNotification = "notification"
	frameError        = "error"
	frameHeartbeat    = "heartbeat"
	framePong         = "pong"
)

// ErrUnknownEventType is returned by DecodeFrame for frames whose type tag
// is not part of the message schema.
var ErrUnknownEventType = errors.New("unknown event type")

// frame is the raw wire shape shared by all event kinds.
type frame struct {
	Type             string `json:"type"`
	JobID            string `json:"job_id"`
	Progress         *int   `json:"progress,omitempty"`
	CurrentNode      string `json:"current_node,omitempty"`
	NodeProgress     *int   `json:"node_progress,omitempty"`
	Message          string `json:"message,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"` // epoch milliseconds
}

// DecodeFrame parses one wire frame into its Event case. Heartbeat and pong
// frames decode to HeartbeatEvent. Frames with an unknown type tag return
// ErrUnknownEventType.
func DecodeFrame(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	ts := time.Time{}
	if f.Timestamp != 0 {
		ts = time.UnixMilli(f.Timestamp)
	}

	switch f.Type {
	case frameProgress:
		ev := ProgressEvent{
			JobID:     f.JobID,
			Node:      f.CurrentNode,
			Message:   f.Message,
			Timestamp: ts,
		}
		if f.Progress != nil {
			ev.Progress = *f.Progress
		}
		if f.NodeProgress != nil {
			ev.NodeProgress = *f.NodeProgress
		}
		return ev, nil
	case frameNotification:
		return NotificationEvent{
			JobID:            f.JobID,
			NotificationType: f.NotificationType,
			Node:             f.CurrentNode,
			Message:          f.Message,
			Timestamp:        ts,
		}, nil
	case frameError:
		return ErrorEvent{
			JobID:     f.JobID,
			Message:   f.Message,
			Timestamp: ts,
		}, nil
	case frameHeartbeat, framePong:
		return HeartbeatEvent{JobID: f.JobID, Timestamp: ts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, f.Type)
	}
}

// EncodeFrame is the inverse of DecodeFrame for the send path. StateEvent
// is transport-local and cannot be encoded.
func EncodeFrame(ev Event) ([]byte, error) {
	var f frame
	f.JobID = ev.EventJobID()
	if t := ev.EventTime(); !t.IsZero() {
		f.Timestamp = t.UnixMilli()
	}

	switch e := ev.(type) {
	case ProgressEvent:
		f.Type = frameProgress
		p := e.Progress
		f.Progress = &p
		f.CurrentNode = e.Node
		if e.NodeProgress != 0 {
			np := e.NodeProgress
			f.NodeProgress = &np
		}
		f.Message = e.Message
	case NotificationEvent:
		f.Type = frameNotification
		f.NotificationType = e.NotificationType
		f.CurrentNode = e.Node
		f.Message = e.Message
	case ErrorEvent:
		f.Type = frameError
		f.Message = e.Message
	case HeartbeatEvent:
		f.Type = frameHeartbeat
	case StateEvent:
		return nil, fmt.Errorf("%w: state events are local only", ErrUnknownEventType)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}

	return json.Marshal(f)
}
