package notify

import (
	"errors"
	"testing"
)

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (r *recordingNotifier) Send(n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestMultiNotifier_FansOut(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	m := NewMultiNotifier(a, b)

	n := Notification{Title: "Factory run completed", Message: "3 tasks", Severity: Success, RunID: "run-1"}
	if err := m.Send(n); err != nil {
		t.Fatal(err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(a.sent), len(b.sent))
	}
	if a.sent[0].RunID != "run-1" {
		t.Errorf("delivered notification = %+v", a.sent[0])
	}
}

func TestMultiNotifier_FailureDoesNotBlockOthers(t *testing.T) {
	broken := &recordingNotifier{err: errors.New("webhook down")}
	healthy := &recordingNotifier{}
	m := NewMultiNotifier(broken, healthy)

	err := m.Send(Notification{Title: "Factory run failed", Severity: Failure})
	if err == nil {
		t.Fatal("broken channel's error was swallowed")
	}
	if len(healthy.sent) != 1 {
		t.Errorf("healthy channel got %d deliveries, want 1", len(healthy.sent))
	}
}
