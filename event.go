package usbcan

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event is a notable pipeline occurrence published to Controller.Events.
// Channel is -1 for device wide events.
type Event struct {
	Type    EventType
	Channel int
	Details string
}

func (e Event) String() string {
	if e.Channel < 0 {
		return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
	}
	return fmt.Sprintf("[%s] CAN%d: %s", e.Type.String(), e.Channel, e.Details)
}

// eventSink publishes events without ever blocking a pipeline.
type eventSink struct {
	ch  chan Event
	log logrus.FieldLogger
}

func newEventSink(size int, log logrus.FieldLogger) *eventSink {
	return &eventSink{ch: make(chan Event, size), log: log}
}

func (s *eventSink) send(t EventType, channel int, format string, args ...interface{}) {
	evt := Event{Type: t, Channel: channel, Details: fmt.Sprintf(format, args...)}
	select {
	case s.ch <- evt:
	default:
		s.log.WithField("event", evt.String()).Debug("event channel full")
	}
}
