package notify

import (
	"errors"
	"testing"
)

type recordedCall struct {
	title   string
	message string
}

type mockNotifier struct {
	calls []recordedCall
	err   error
}

func (m *mockNotifier) notify(title, message string, icon any) error {
	m.calls = append(m.calls, recordedCall{title, message})
	return m.err
}

func TestSend(t *testing.T) {
	tests := []struct {
		name        string
		title       string
		message     string
		mockErr     error
		expectError bool
	}{
		{name: "successful notification", title: "Title", message: "Message"},
		{name: "empty message", title: "Title", message: ""},
		{name: "backend failure", title: "Title", message: "Message", mockErr: errors.New("unavailable"), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockNotifier{err: tt.mockErr}
			SetNotifier(mock.notify)
			defer ResetNotifier()

			err := Send(tt.title, tt.message)

			if tt.expectError && err == nil {
				t.Error("expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if len(mock.calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(mock.calls))
			}
			if mock.calls[0].title != tt.title || mock.calls[0].message != tt.message {
				t.Errorf("unexpected call: %+v", mock.calls[0])
			}
		})
	}
}

func TestTurnCompleted(t *testing.T) {
	mock := &mockNotifier{}
	SetNotifier(mock.notify)
	defer ResetNotifier()

	if err := TurnCompleted("Fix the build"); err != nil {
		t.Fatalf("TurnCompleted failed: %v", err)
	}
	if mock.calls[0].title != "AgentDeck" {
		t.Errorf("unexpected title: %s", mock.calls[0].title)
	}
	if mock.calls[0].message != "Fix the build is ready" {
		t.Errorf("unexpected message: %s", mock.calls[0].message)
	}

	if err := TurnCompleted(""); err != nil {
		t.Fatalf("TurnCompleted failed: %v", err)
	}
	if mock.calls[1].message != "Session is ready" {
		t.Errorf("unexpected fallback message: %s", mock.calls[1].message)
	}
}
