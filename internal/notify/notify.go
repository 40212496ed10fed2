// Package notify is the user notification port used by mutations. Each
// mutation attempt reports Loading, then exactly one of Success or Error,
// all under the same correlation token so a view can replace the loading
// message in place.
package notify

import (
	"log"
	"sync"
	"time"
)

// Level is the kind of notification.
type Level int

const (
	LevelLoading Level = iota
	LevelSuccess
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelLoading:
		return "loading"
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON and YAML output.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Notification is one message shown to the user.
type Notification struct {
	Token   string    `json:"token"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier receives notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

// Notify calls f(n).
func (f Func) Notify(n Notification) { f(n) }

// Discard drops everything.
var Discard Notifier = Func(func(Notification) {})

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify delivers n to every notifier.
func (m Multi) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Log writes notifications to a logger.
type Log struct {
	Logger *log.Logger
}

// Notify logs n.
func (l Log) Notify(n Notification) {
	l.Logger.Printf("%s [%s] %s", n.Level, n.Token, n.Message)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify records n.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of everything recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// ForToken returns the notifications recorded under token, oldest first.
func (r *Recorder) ForToken(token string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notification
	for _, n := range r.items {
		if n.Token == token {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
