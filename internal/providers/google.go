package providers

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"example.com/carbonlens/internal/domain"
)

// GoogleOptions configures the Google API clients.
type GoogleOptions struct {
	// Endpoint overrides the API root, e.g. an httptest server. Empty uses the public endpoints.
	Endpoint string
	// HTTPClient is the base transport wrapped with the bearer token.
	HTTPClient *http.Client
}

func (o GoogleOptions) clientOptions(ctx context.Context, cred domain.Credential, servicePath string) []option.ClientOption {
	if o.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	token := &oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)))}
	if endpoint := strings.TrimRight(strings.TrimSpace(o.Endpoint), "/"); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint+servicePath))
	}
	return opts
}
