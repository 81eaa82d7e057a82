// Package notify reports run outcomes to external channels.
package notify

import (
	"errors"
	"log"
)

// Severity classifies a notification
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Failure
)

// Notification describes a finished run
type Notification struct {
	Title    string
	Message  string
	Severity Severity
	RunID    string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier fans a notification out to several channels. One channel
// failing does not keep the others from being tried.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every channel and joins the errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes run outcomes to the process log
type LogNotifier struct{}

func (LogNotifier) Send(n Notification) error {
	log.Printf("[notify] %s: %s", n.Title, n.Message)
	return nil
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
