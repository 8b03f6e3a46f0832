package trellis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/internal/request"
	"github.com/trellis-finance/trellis/model"
)

// ErrConsentRejected is returned when a counterparty answers 403, meaning the
// consent reference presented with the call is no longer honored there.
var ErrConsentRejected = errors.New("counterparty rejected the consent reference")

// UpstreamError carries a non-403 error status returned by a counterparty.
type UpstreamError struct {
	Counterparty string
	StatusCode   int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("counterparty %s returned HTTP %d", e.Counterparty, e.StatusCode)
}

// CounterpartyClient talks to one counterparty's account information API.
// Every call carries the bearer token, the consent reference and the
// requesting bank code; timeouts come from the aggregation config.
type CounterpartyClient struct {
	code          string
	name          string
	baseURL       string
	requesterCode string
	timeout       time.Duration
	httpClient    *http.Client
}

func NewCounterpartyClient(cp config.CounterpartyConfig, requesterCode string, timeout time.Duration) *CounterpartyClient {
	return &CounterpartyClient{
		code:          cp.Code,
		name:          cp.Name,
		baseURL:       cp.ApiUrl,
		requesterCode: requesterCode,
		timeout:       timeout,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (c *CounterpartyClient) Code() string { return c.code }
func (c *CounterpartyClient) Name() string { return c.name }

type consentRequestPayload struct {
	ClientID        string   `json:"client_id"`
	Permissions     []string `json:"permissions"`
	RequestingParty string   `json:"requesting_party"`
	Reason          string   `json:"reason"`
}

type consentRequestResponse struct {
	Data struct {
		ConsentID string `json:"consent_id"`
		Status    string `json:"status"`
	} `json:"data"`
}

// RequestConsent asks the counterparty to establish a consent for the client
// on behalf of the requesting bank and returns the counterparty's consent
// reference.
func (c *CounterpartyClient) RequestConsent(ctx context.Context, token, clientID string, permissions []string) (string, error) {
	body, err := request.ToJsonReq(consentRequestPayload{
		ClientID:        clientID,
		Permissions:     permissions,
		RequestingParty: c.requesterCode,
		Reason:          "account aggregation",
	})
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/account-consents/request", nil, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requesting-Bank", c.requesterCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", &UpstreamError{Counterparty: c.code, StatusCode: resp.StatusCode}
	}
	var payload consentRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("counterparty %s returned a malformed consent response: %w", c.code, err)
	}
	if payload.Data.ConsentID == "" {
		return "", fmt.Errorf("counterparty %s returned no consent reference", c.code)
	}
	return payload.Data.ConsentID, nil
}

type accountsResponse struct {
	Data struct {
		Account []struct {
			AccountID      string `json:"account_id"`
			AccountSubType string `json:"account_sub_type"`
			Currency       string `json:"currency"`
		} `json:"account"`
	} `json:"data"`
}

// FetchAccounts lists the client's accounts held at the counterparty. A 403
// response maps to ErrConsentRejected so the caller can refresh the consent
// and retry once.
func (c *CounterpartyClient) FetchAccounts(ctx context.Context, token, consentRef, clientID string) ([]model.CounterpartyAccount, error) {
	query := url.Values{"client_id": {clientID}}
	req, err := c.newRequest(ctx, http.MethodGet, "/accounts", query, nil)
	if err != nil {
		return nil, err
	}
	c.setConsentHeaders(req, token, consentRef)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrConsentRejected
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &UpstreamError{Counterparty: c.code, StatusCode: resp.StatusCode}
	}

	var payload accountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("counterparty %s returned a malformed account list: %w", c.code, err)
	}
	accounts := make([]model.CounterpartyAccount, 0, len(payload.Data.Account))
	for _, a := range payload.Data.Account {
		accounts = append(accounts, model.CounterpartyAccount{
			AccountID:      a.AccountID,
			AccountSubType: a.AccountSubType,
			Currency:       a.Currency,
		})
	}
	return accounts, nil
}

type balancesResponse struct {
	Data struct {
		Balance []struct {
			AccountID string `json:"account_id"`
			Amount    struct {
				Amount   string `json:"amount"`
				Currency string `json:"currency"`
			} `json:"amount"`
		} `json:"balance"`
	} `json:"data"`
}

// FetchBalance reads the first reported balance of one account.
func (c *CounterpartyClient) FetchBalance(ctx context.Context, token, consentRef, clientID, accountID string) (decimal.Decimal, string, error) {
	query := url.Values{"client_id": {clientID}}
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/balances", accountID), query, nil)
	if err != nil {
		return decimal.Zero, "", err
	}
	c.setConsentHeaders(req, token, consentRef)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden {
		return decimal.Zero, "", ErrConsentRejected
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decimal.Zero, "", &UpstreamError{Counterparty: c.code, StatusCode: resp.StatusCode}
	}

	var payload balancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, "", fmt.Errorf("counterparty %s returned a malformed balance for account %s: %w", c.code, accountID, err)
	}
	if len(payload.Data.Balance) == 0 {
		return decimal.Zero, "", fmt.Errorf("counterparty %s reported no balance for account %s", c.code, accountID)
	}
	head := payload.Data.Balance[0]
	amount, err := decimal.NewFromString(head.Amount.Amount)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("counterparty %s reported an unparseable amount %q: %w", c.code, head.Amount.Amount, err)
	}
	return amount, head.Amount.Currency, nil
}

func (c *CounterpartyClient) newRequest(ctx context.Context, method, path string, query url.Values, body *bytes.Buffer) (*http.Request, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}
	if body == nil {
		return http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	return http.NewRequestWithContext(ctx, method, endpoint, body)
}

func (c *CounterpartyClient) setConsentHeaders(req *http.Request, token, consentRef string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Consent-Id", consentRef)
	req.Header.Set("X-Requesting-Bank", c.requesterCode)
	req.Header.Set("Accept", "application/json")
}

// classifyTransportError maps a failed counterparty call to the aggregation
// error code recorded on the client's entry.
func classifyTransportError(err error) (model.AggregationError, string) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return model.ErrCodeUpstreamHTTP, upstream.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrCodeTimeout, "counterparty did not respond in time"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrCodeTimeout, "counterparty did not respond in time"
	}
	return model.ErrCodeConnection, err.Error()
}
