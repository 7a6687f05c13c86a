package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageText(t *testing.T) {
	raw := []byte(`{"type":"client_text","session_id":"s1","text":"what is the refund policy?","image_url":"https://example.com/receipt.png"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	text, ok := msg.(ClientText)
	if !ok {
		t.Fatalf("message type = %T, want ClientText", msg)
	}
	if text.SessionID != "s1" || text.ImageURL == "" {
		t.Fatalf("unexpected client text: %+v", text)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"stop_speaking"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionStopSpeaking {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageMediaEvent(t *testing.T) {
	raw := []byte(`{"type":"media_event","session_id":"s1","attempt":2,"kind":"data_channel","event_type":"EVENT_TYPE_SESSION_END"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	ev, ok := msg.(MediaEvent)
	if !ok {
		t.Fatalf("message type = %T, want MediaEvent", msg)
	}
	if ev.Attempt != 2 || ev.EventType != "EVENT_TYPE_SESSION_END" {
		t.Fatalf("unexpected media event: %+v", ev)
	}
}

func TestParseClientMessageSpeakResult(t *testing.T) {
	raw := []byte(`{"type":"speak_result","session_id":"s1","request_id":"r1","outcome":"completed"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if res, ok := msg.(SpeakResult); !ok || res.RequestID != "r1" {
		t.Fatalf("message = %#v, want SpeakResult r1", msg)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"type":"client_text","session_id":"s1","text":"  "}`,
		`{"type":"client_text","text":"hi"}`,
		`{"type":"client_control","session_id":"s1","action":"reboot"}`,
		`{"type":"media_event","session_id":"s1","kind":"track"}`,
		`{"type":"media_event","session_id":"s1","kind":"telemetry"}`,
		`{"type":"speak_result","session_id":"s1","outcome":"completed"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want validation error", raw)
		}
	}
}

func BenchmarkParseClientMessageMediaEvent(b *testing.B) {
	raw := []byte(`{"type":"media_event","session_id":"s1","attempt":1,"kind":"playback","position":12.5}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(MediaEvent); !ok {
			b.Fatalf("message type = %T, want MediaEvent", msg)
		}
	}
}
