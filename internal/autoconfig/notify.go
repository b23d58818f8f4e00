package autoconfig

import (
	"context"
	"log/slog"
	"time"
)

// Event is a state-transition notification. Events are informational;
// nothing in the engine depends on them being delivered.
type Event struct {
	RunID   string     `json:"run_id"`
	State   State      `json:"state"`
	Message string     `json:"message"`
	Level   slog.Level `json:"level"`
	Time    time.Time  `json:"time"`
}

// Notifier receives engine events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// LogNotifier writes events to a slog logger
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(e Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), e.Level, "autoconfig: "+e.Message, "run_id", e.RunID, "state", e.State)
}

// ChanNotifier forwards events to a channel, dropping them when the
// channel is full
type ChanNotifier chan<- Event

func (c ChanNotifier) Notify(e Event) {
	select {
	case c <- e:
	default:
	}
}

// MultiNotifier fans an event out to several notifiers
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}
