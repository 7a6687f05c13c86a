package assistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/avatarchat/internal/config"
)

func newSpeechServer(t *testing.T, relayBody string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var issued atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sts/v1.0/issueToken", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "speech-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		issued.Add(1)
		_, _ = w.Write([]byte("token-value\n"))
	})
	mux.HandleFunc("GET /tts/cognitiveservices/avatar/relay/token/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(relayBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &issued
}

func TestSpeechTokenIssuerCredentials(t *testing.T) {
	srv, issued := newSpeechServer(t, `{"Urls":["turn:relay.example.net:3478"],"Username":"user","Password":"pass"}`)
	issuer, err := NewSpeechTokenIssuer("speech-key", SpeechEndpoints{
		IssueTokenURL: srv.URL + "/sts/v1.0/issueToken",
		RelayTokenURL: srv.URL + "/tts/cognitiveservices/avatar/relay/token/v1",
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewSpeechTokenIssuer() error = %v", err)
	}

	now := time.Unix(1000, 0)
	issuer.now = func() time.Time { return now }

	creds, err := issuer.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds.AuthToken != "token-value" {
		t.Fatalf("AuthToken = %q, want %q", creds.AuthToken, "token-value")
	}
	if len(creds.Relay.URLs) != 1 || creds.Relay.Username != "user" || creds.Relay.Password != "pass" {
		t.Fatalf("Relay = %+v", creds.Relay)
	}

	if _, err := issuer.Credentials(context.Background()); err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if got := issued.Load(); got != 1 {
		t.Fatalf("tokens issued = %d, want 1 while cached", got)
	}

	now = now.Add(10 * time.Minute)
	if _, err := issuer.Credentials(context.Background()); err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if got := issued.Load(); got != 2 {
		t.Fatalf("tokens issued = %d, want 2 after expiry", got)
	}
}

func TestSpeechTokenIssuerErrors(t *testing.T) {
	if _, err := NewSpeechTokenIssuer(" ", SpeechEndpoints{}, nil); !errors.Is(err, config.ErrMissingSetting) {
		t.Fatalf("NewSpeechTokenIssuer() error = %v, want %v", err, config.ErrMissingSetting)
	}

	srv, _ := newSpeechServer(t, `{"Urls":[]}`)
	endpoints := SpeechEndpoints{
		IssueTokenURL: srv.URL + "/sts/v1.0/issueToken",
		RelayTokenURL: srv.URL + "/tts/cognitiveservices/avatar/relay/token/v1",
	}

	issuer, _ := NewSpeechTokenIssuer("wrong-key", endpoints, srv.Client())
	if _, err := issuer.Credentials(context.Background()); err == nil {
		t.Fatalf("Credentials() with a rejected key error = nil")
	}

	issuer, _ = NewSpeechTokenIssuer("speech-key", endpoints, srv.Client())
	if _, err := issuer.Credentials(context.Background()); err == nil {
		t.Fatalf("Credentials() with no relay urls error = nil")
	}
}
