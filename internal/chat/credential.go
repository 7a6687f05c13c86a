package chat

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	cognitiveServicesScope = "https://cognitiveservices.azure.com/.default"
	tokenRefreshBuffer     = 5 * time.Minute
)

// Credential authorizes an outbound chat request.
type Credential interface {
	Apply(ctx context.Context, req *http.Request) error
}

// APIKey authenticates with the resource key header.
type APIKey string

func (k APIKey) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("api-key", string(k))
	return nil
}

// AzureADCredential authenticates with a cached Azure AD bearer token.
type AzureADCredential struct {
	cred        azcore.TokenCredential
	mu          sync.RWMutex
	cachedToken *azcore.AccessToken
}

// NewAzureADCredential uses the default Azure credential chain
// (environment, managed identity, Azure CLI).
func NewAzureADCredential() (*AzureADCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	return NewTokenCredential(cred), nil
}

// NewTokenCredential wraps an existing token source.
func NewTokenCredential(cred azcore.TokenCredential) *AzureADCredential {
	return &AzureADCredential{cred: cred}
}

func (c *AzureADCredential) Apply(ctx context.Context, req *http.Request) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("get azure token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)
	return nil
}

func (c *AzureADCredential) token(ctx context.Context) (*azcore.AccessToken, error) {
	c.mu.RLock()
	if c.cachedToken != nil && c.cachedToken.ExpiresOn.After(time.Now().Add(tokenRefreshBuffer)) {
		token := c.cachedToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken != nil && c.cachedToken.ExpiresOn.After(time.Now().Add(tokenRefreshBuffer)) {
		return c.cachedToken, nil
	}
	token, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{cognitiveServicesScope},
	})
	if err != nil {
		return nil, err
	}
	c.cachedToken = &token
	return &token, nil
}
