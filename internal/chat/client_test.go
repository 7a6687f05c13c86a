package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/conversation"
)

func sseHandler(t *testing.T, chunks ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api-key"); got != "k" {
			t.Errorf("api-key header = %q, want k", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Endpoint:   url,
		Deployment: "dep",
		Credential: APIKey("k"),
		HTTPClient: http.DefaultClient,
		RetryBase:  time.Millisecond,
		MaxRetries: 2,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func plainRequest() Request {
	s := conversation.NewState("sys", false)
	_, _ = s.AppendUser("hi", "")
	return BuildRequest(s.Turns(), nil)
}

func TestClientStreamSplitChunks(t *testing.T) {
	ts := httptest.NewServer(sseHandler(t,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\nda",
		`ta: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n",
		"\ndata: not-json\n\n",
		`data: {"choices":[{"delta":{"content":"lo."}}]}`+"\n\ndata: [DONE]\n\n",
	))
	defer ts.Close()

	var kinds []EventKind
	var text strings.Builder
	for ev, err := range newTestClient(t, ts.URL).Stream(context.Background(), plainRequest()) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		kinds = append(kinds, ev.Kind)
		text.WriteString(ev.Text)
	}
	want := []EventKind{EventRole, EventContent, EventContent, EventDone}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
	if text.String() != "Hello." {
		t.Fatalf("text = %q, want Hello.", text.String())
	}
}

func TestClientStreamImpliesDoneAtEOF(t *testing.T) {
	ts := httptest.NewServer(sseHandler(t, `data: {"choices":[{"delta":{"content":"A"}}]}`+"\n\n"))
	defer ts.Close()

	var last DeltaEvent
	for ev, err := range newTestClient(t, ts.URL).Stream(context.Background(), plainRequest()) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		last = ev
	}
	if last.Kind != EventDone {
		t.Fatalf("last event = %+v, want Done", last)
	}
}

func TestClientStreamGroundedPath(t *testing.T) {
	var path atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"messages":[{"delta":{"role":"tool","content":"ctx"}}]}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"messages":[{"delta":{"content":"Hi [doc1]"}}]}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	s := conversation.NewState("sys", true)
	_, _ = s.AppendUser("hi", "")
	req := BuildRequest(s.Turns(), []DataSource{CognitiveSearchSource("e", "k", "i", "sys")})

	var events []DeltaEvent
	for ev, err := range newTestClient(t, ts.URL).Stream(context.Background(), req) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		events = append(events, ev)
	}
	if got := path.Load(); got != "/openai/deployments/dep/extensions/chat/completions" {
		t.Fatalf("path = %v", got)
	}
	if len(events) != 3 || events[0].Kind != EventTool || events[1].Text != "Hi" || events[2].Kind != EventDone {
		t.Fatalf("events = %+v", events)
	}
}

func TestClientStreamStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad deployment", http.StatusNotFound)
	}))
	defer ts.Close()

	var gotErr error
	for _, err := range newTestClient(t, ts.URL).Stream(context.Background(), plainRequest()) {
		gotErr = err
	}
	var statusErr *StatusError
	if !errors.As(gotErr, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", gotErr)
	}
	if statusErr.Code != http.StatusNotFound || statusErr.Retryable() {
		t.Fatalf("status error = %+v", statusErr)
	}
}

func TestClientStreamRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	var events int
	for _, err := range newTestClient(t, ts.URL).Stream(context.Background(), plainRequest()) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		events++
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if events != 1 {
		t.Fatalf("events = %d, want 1", events)
	}
}

func TestNewClientRejectsMissingSettings(t *testing.T) {
	tests := []ClientConfig{
		{Deployment: "d", Credential: APIKey("k")},
		{Endpoint: "e", Credential: APIKey("k")},
		{Endpoint: "e", Deployment: "d"},
		{Endpoint: "e", Deployment: "d", Credential: APIKey(" ")},
	}
	for i, cfg := range tests {
		if _, err := NewClient(cfg); !errors.Is(err, config.ErrMissingSetting) {
			t.Fatalf("case %d: NewClient() error = %v, want ErrMissingSetting", i, err)
		}
	}
}

type fakeTokenSource struct {
	calls atomic.Int32
}

func (f *fakeTokenSource) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.calls.Add(1)
	if len(opts.Scopes) != 1 || opts.Scopes[0] != cognitiveServicesScope {
		return azcore.AccessToken{}, errors.New("unexpected scope")
	}
	return azcore.AccessToken{Token: "tok", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func TestAzureADCredentialCachesToken(t *testing.T) {
	src := &fakeTokenSource{}
	cred := NewTokenCredential(src)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
		if err := cred.Apply(context.Background(), req); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("Authorization = %q", got)
		}
	}
	if src.calls.Load() != 1 {
		t.Fatalf("GetToken calls = %d, want 1", src.calls.Load())
	}
}
