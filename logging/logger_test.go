package logging

import "testing"

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	if got := l.Data["service"]; got != "svc-a" {
		t.Fatalf("expected service field, got %v", got)
	}
	if entry := l.WithField("k", "v"); entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatalf("expected fallback logger")
	}
	l := NewLogger()
	if OrDiscard(l) != Logger(l) {
		t.Fatalf("expected the given logger back")
	}
}
