package trellis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/internal/request"
)

// TokenSupplier provides bearer tokens for outbound counterparty calls.
// The second return reports availability: a counterparty with no usable
// token is surfaced to callers as an aggregation entry, never an error.
type TokenSupplier interface {
	Token(ctx context.Context, counterpartyCode string) (string, bool)
}

type bankToken struct {
	value     string
	expiresAt time.Time
}

func (b bankToken) valid(now time.Time) bool {
	return b.value != "" && now.Before(b.expiresAt)
}

// ClientCredentialTokenSupplier exchanges a client-credential pair for a
// short-lived bearer token at each counterparty's auth endpoint, caching the
// token until shortly before expiry.
type ClientCredentialTokenSupplier struct {
	mu             sync.RWMutex
	tokens         map[string]bankToken
	counterparties map[string]config.CounterpartyConfig
	timeout        time.Duration
}

func NewClientCredentialTokenSupplier(counterparties []config.CounterpartyConfig, timeout time.Duration) *ClientCredentialTokenSupplier {
	byCode := make(map[string]config.CounterpartyConfig, len(counterparties))
	for _, cp := range counterparties {
		if cp.Code != "" {
			byCode[cp.Code] = cp
		}
	}
	return &ClientCredentialTokenSupplier{
		tokens:         make(map[string]bankToken),
		counterparties: byCode,
		timeout:        timeout,
	}
}

// Token returns a cached token for the counterparty, acquiring a fresh one
// when the cache is empty or stale. It reports false when the counterparty
// has no credentials configured or the auth endpoint cannot be reached.
func (s *ClientCredentialTokenSupplier) Token(ctx context.Context, counterpartyCode string) (string, bool) {
	now := time.Now()
	s.mu.RLock()
	cached, ok := s.tokens[counterpartyCode]
	s.mu.RUnlock()
	if ok && cached.valid(now) {
		return cached.value, true
	}

	cp, ok := s.counterparties[counterpartyCode]
	if !ok || cp.ClientID == "" || cp.ClientSecret == "" {
		return "", false
	}

	token, err := s.acquire(ctx, cp)
	if err != nil {
		logrus.Warnf("token acquisition failed for counterparty %s: %v", counterpartyCode, err)
		return "", false
	}

	s.mu.Lock()
	s.tokens[counterpartyCode] = token
	s.mu.Unlock()
	return token.value, true
}

// Prime eagerly acquires tokens for every configured counterparty. Failures
// are logged and skipped; the per-call path in Token retries lazily.
func (s *ClientCredentialTokenSupplier) Prime(ctx context.Context) {
	for code := range s.counterparties {
		if _, ok := s.Token(ctx, code); !ok {
			logrus.Warnf("no token available for counterparty %s at startup", code)
		}
	}
}

type bankTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *ClientCredentialTokenSupplier) acquire(ctx context.Context, cp config.CounterpartyConfig) (bankToken, error) {
	endpoint := fmt.Sprintf("%s/auth/bank-token?%s", cp.ApiUrl, url.Values{
		"client_id":     {cp.ClientID},
		"client_secret": {cp.ClientSecret},
	}.Encode())

	operation := func() (bankToken, error) {
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, nil)
		if err != nil {
			return bankToken{}, backoff.Permanent(err)
		}
		var resp bankTokenResponse
		httpResp, err := request.Call(req, &resp)
		if err != nil {
			return bankToken{}, err
		}
		if httpResp.StatusCode >= http.StatusBadRequest {
			return bankToken{}, backoff.Permanent(fmt.Errorf("counterparty %s auth endpoint returned %d", cp.Code, httpResp.StatusCode))
		}
		if resp.AccessToken == "" {
			return bankToken{}, backoff.Permanent(fmt.Errorf("counterparty %s returned an empty access token", cp.Code))
		}
		expiresIn := resp.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		// Expire one minute early so in-flight requests never carry a token
		// the counterparty is about to reject.
		return bankToken{
			value:     resp.AccessToken,
			expiresAt: time.Now().Add(time.Duration(expiresIn)*time.Second - time.Minute),
		}, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.RetryWithData(operation, policy)
}

// staticTokenSupplier serves tokens from a fixed map. Used in tests and for
// counterparties provisioned with long-lived tokens out of band.
type staticTokenSupplier struct {
	tokens map[string]string
}

func NewStaticTokenSupplier(tokens map[string]string) TokenSupplier {
	return &staticTokenSupplier{tokens: tokens}
}

func (s *staticTokenSupplier) Token(_ context.Context, counterpartyCode string) (string, bool) {
	token, ok := s.tokens[counterpartyCode]
	return token, ok && token != ""
}
