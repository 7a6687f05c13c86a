package assistant

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/avatarchat/internal/config"
)

// Authorization tokens expire after ten minutes; refresh one minute early.
const speechTokenLifetime = 9 * time.Minute

// RelayToken is the TURN relay the browser uses for the avatar media session.
type RelayToken struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// SpeechCredentials is what the browser needs to open one avatar session
// without ever seeing the speech key.
type SpeechCredentials struct {
	AuthToken string
	Relay     RelayToken
}

// SpeechAuthorizer hands out fresh speech credentials for each attempt.
type SpeechAuthorizer interface {
	Credentials(ctx context.Context) (SpeechCredentials, error)
}

// SpeechTokenIssuer exchanges the speech key for short-lived tokens.
type SpeechTokenIssuer struct {
	key       string
	endpoints SpeechEndpoints
	http      *http.Client
	now       func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewSpeechTokenIssuer(key string, endpoints SpeechEndpoints, hc *http.Client) (*SpeechTokenIssuer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: SPEECH_API_KEY", config.ErrMissingSetting)
	}
	if hc == nil {
		hc = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &SpeechTokenIssuer{key: key, endpoints: endpoints, http: hc, now: time.Now}, nil
}

// Credentials returns a cached authorization token and a fresh relay token.
func (s *SpeechTokenIssuer) Credentials(ctx context.Context) (SpeechCredentials, error) {
	token, err := s.authToken(ctx)
	if err != nil {
		return SpeechCredentials{}, err
	}
	relay, err := s.relayToken(ctx)
	if err != nil {
		return SpeechCredentials{}, err
	}
	return SpeechCredentials{AuthToken: token, Relay: relay}, nil
}

func (s *SpeechTokenIssuer) authToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}

	body, err := s.do(ctx, http.MethodPost, s.endpoints.IssueTokenURL)
	if err != nil {
		return "", fmt.Errorf("issue speech token: %w", err)
	}
	s.token = strings.TrimSpace(string(body))
	s.expiresAt = s.now().Add(speechTokenLifetime)
	return s.token, nil
}

func (s *SpeechTokenIssuer) relayToken(ctx context.Context) (RelayToken, error) {
	body, err := s.do(ctx, http.MethodGet, s.endpoints.RelayTokenURL)
	if err != nil {
		return RelayToken{}, fmt.Errorf("fetch relay token: %w", err)
	}
	var relay RelayToken
	if err := sonic.Unmarshal(body, &relay); err != nil {
		return RelayToken{}, fmt.Errorf("decode relay token: %w", err)
	}
	if len(relay.URLs) == 0 {
		return RelayToken{}, fmt.Errorf("decode relay token: no relay urls")
	}
	return relay, nil
}

func (s *SpeechTokenIssuer) do(ctx context.Context, method, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.key)
	res, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("speech service status %d", res.StatusCode)
	}
	return body, nil
}
