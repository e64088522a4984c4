package eventsub

import (
	"errors"
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{
			name:     "welcome",
			data:     `{"metadata":{"message_id":"m1","message_type":"session_welcome"},"payload":{"session":{"id":"s1","status":"connected","keepalive_timeout_seconds":10}}}`,
			wantType: MessageWelcome,
		},
		{
			name:     "notification",
			data:     `{"metadata":{"message_type":"notification","subscription_type":"channel.follow"},"payload":{"event":{"x":1}}}`,
			wantType: MessageNotify,
		},
		{name: "invalid json", data: `{"metadata":`, wantErr: true},
		{name: "missing message type", data: `{"metadata":{},"payload":{}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("ParseFrame() error = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame() error = %v", err)
			}
			if f.Metadata.MessageType != tt.wantType {
				t.Errorf("MessageType = %q, want %q", f.Metadata.MessageType, tt.wantType)
			}
		})
	}
}

func TestParseFrame_WelcomeSession(t *testing.T) {
	f, err := ParseFrame([]byte(`{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":"s1","keepalive_timeout_seconds":10,"reconnect_url":null}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Payload.Session == nil || f.Payload.Session.ID != "s1" || f.Payload.Session.KeepaliveTimeoutSeconds != 10 {
		t.Errorf("session = %+v", f.Payload.Session)
	}
}
