package visit

import "github.com/shaunagostinho/domcal/internal/capture"

// EventKind classifies an Event. Capture events keep their capture kind.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventConnected  EventKind = "connected"
	EventOutcome    EventKind = "outcome"
	EventState      EventKind = EventKind(capture.EventState)
	EventLog        EventKind = EventKind(capture.EventLog)
	EventDeviceCRC  EventKind = EventKind(capture.EventDeviceCRC)
	EventRetransmit EventKind = EventKind(capture.EventRetransmit)
	EventAccepted   EventKind = EventKind(capture.EventAccepted)
	EventGaveUp     EventKind = EventKind(capture.EventGaveUp)
)

// Event is a progress report from a running visit, shaped for the live
// monitor.
type Event struct {
	Device  string    `json:"device"`
	Kind    EventKind `json:"kind"`
	State   string    `json:"state,omitempty"`
	Line    string    `json:"line,omitempty"`
	Retries int       `json:"retries"`
	Status  string    `json:"status,omitempty"`
	DOMID   string    `json:"domid,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    int64     `json:"time"`
}
