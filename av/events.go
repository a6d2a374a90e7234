package av

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torvoice/av/scheduler"
	"github.com/opd-ai/torvoice/av/telemetry"
	"github.com/opd-ai/torvoice/crypto"
	"github.com/sirupsen/logrus"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventStateChanged reports a session state transition.
	EventStateChanged EventType = iota
	// EventCallEnded reports that a session reached ENDED.
	EventCallEnded
	// EventTelemetryUpdated carries a peer quality report.
	EventTelemetryUpdated
	// EventRebuildRequested reports a circuit being replaced.
	EventRebuildRequested
	// EventIncomingCall reports a new ringing call.
	EventIncomingCall
	// EventNoAnswer reports an outgoing offer that timed out.
	EventNoAnswer
	// EventCallRejected reports that the peer declined.
	EventCallRejected
	// EventCallBusy reports that the peer is in another call.
	EventCallBusy
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventCallEnded:
		return "call_ended"
	case EventTelemetryUpdated:
		return "telemetry_updated"
	case EventRebuildRequested:
		return "rebuild_requested"
	case EventIncomingCall:
		return "incoming_call"
	case EventNoAnswer:
		return "no_answer"
	case EventCallRejected:
		return "call_rejected"
	case EventCallBusy:
		return "call_busy"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is published on the manager's event channel. Only the fields
// relevant to Type are set.
type Event struct {
	Type   EventType
	CallID crypto.CallID
	Peer   string
	Time   time.Time

	State    State
	Previous State
	Reason   string

	Report     *telemetry.Report
	Assessment *telemetry.Assessment
	Rebuild    *scheduler.RebuildRequest
}

// eventBus fans events out on a bounded channel without ever blocking the
// publisher.
type eventBus struct {
	ch      chan Event
	dropped atomic.Uint64
}

func newEventBus(capacity int) *eventBus {
	if capacity <= 0 {
		capacity = 64
	}
	return &eventBus{ch: make(chan Event, capacity)}
}

func (b *eventBus) publish(e Event) {
	if b == nil {
		return
	}
	select {
	case b.ch <- e:
	default:
		n := b.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "eventBus.publish",
			"type":     e.Type.String(),
			"call_id":  e.CallID.Short(),
			"dropped":  n,
		}).Warn("Event channel full, dropping event")
	}
}
