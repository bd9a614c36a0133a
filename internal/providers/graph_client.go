package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/carbonlens/internal/domain"
)

// GraphOptions configures the Microsoft Graph client.
type GraphOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// graphClient is a minimal JSON client for Microsoft Graph with retry on 429 and 5xx.
type graphClient struct {
	provider   domain.Provider
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newGraphClient(provider domain.Provider, opts GraphOptions, token string) *graphClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &graphClient{
		provider:   provider,
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// sameOrigin rejects absolute links that would carry the bearer token off the Graph host.
func (c *graphClient) sameOrigin(link string) error {
	next, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%s: invalid next link: %w", c.provider, err)
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("%s: invalid base url: %w", c.provider, err)
	}
	if !strings.EqualFold(next.Scheme, base.Scheme) || !strings.EqualFold(next.Host, base.Host) {
		return fmt.Errorf("%s: refusing next link outside %s://%s", c.provider, base.Scheme, base.Host)
	}
	return nil
}

// get issues a GET against path (relative to the base URL) or an absolute @odata.nextLink.
func (c *graphClient) get(ctx context.Context, path string, query url.Values, out any) error {
	target := path
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if err := c.sameOrigin(path); err != nil {
			return err
		}
	} else {
		target = c.baseURL + path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode graph response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &domain.ProviderAPIError{Provider: string(c.provider), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

func (c *graphClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		if d := time.Duration(seconds) * time.Second; d < c.maxDelay {
			return d
		}
		return c.maxDelay
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// graphCollection is the envelope of every Graph list response.
type graphCollection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type graphEmailAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func graphAddresses(groups ...[]graphEmailAddress) []string {
	values := make([]string, 0)
	for _, group := range groups {
		for _, entry := range group {
			values = append(values, entry.EmailAddress.Address)
		}
	}
	return parseAddresses(strings.Join(values, " "))
}
