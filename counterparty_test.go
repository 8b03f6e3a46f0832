package trellis

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/model"
)

func newTestCounterpartyClient(t *testing.T) *CounterpartyClient {
	t.Helper()
	client := NewCounterpartyClient(config.CounterpartyConfig{
		Code: alphaCode, Name: "Alpha Bank", ApiUrl: alphaURL,
	}, testBankCode, 2*time.Second)
	httpmock.ActivateNonDefault(client.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestFetchAccountsCarriesConsentHeaders(t *testing.T) {
	client := newTestCounterpartyClient(t)

	httpmock.RegisterResponder(http.MethodGet, alphaURL+"/accounts",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
			assert.Equal(t, "ref-1", req.Header.Get("X-Consent-Id"))
			assert.Equal(t, testBankCode, req.Header.Get("X-Requesting-Bank"))
			assert.Equal(t, "client-1", req.URL.Query().Get("client_id"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"account": []map[string]interface{}{{
					"account_id": "acc-1", "account_sub_type": "savings", "currency": "GBP",
				}}},
			})
		})

	accounts, err := client.FetchAccounts(context.Background(), "tok-1", "ref-1", "client-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, model.CounterpartyAccount{AccountID: "acc-1", AccountSubType: "savings", Currency: "GBP"}, accounts[0])
}

func TestFetchAccountsForbiddenMapsToConsentRejected(t *testing.T) {
	client := newTestCounterpartyClient(t)
	httpmock.RegisterResponder(http.MethodGet, alphaURL+"/accounts",
		httpmock.NewStringResponder(http.StatusForbidden, ""))

	_, err := client.FetchAccounts(context.Background(), "tok-1", "ref-1", "client-1")
	assert.ErrorIs(t, err, ErrConsentRejected)
}

func TestFetchAccountsUpstreamError(t *testing.T) {
	client := newTestCounterpartyClient(t)
	httpmock.RegisterResponder(http.MethodGet, alphaURL+"/accounts",
		httpmock.NewStringResponder(http.StatusBadGateway, ""))

	_, err := client.FetchAccounts(context.Background(), "tok-1", "ref-1", "client-1")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, alphaCode, upstream.Counterparty)
}

func TestFetchBalanceParsesAmount(t *testing.T) {
	client := newTestCounterpartyClient(t)
	httpmock.RegisterResponder(http.MethodGet, alphaURL+"/accounts/acc-1/balances",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"balance": []map[string]interface{}{{
				"account_id": "acc-1",
				"amount":     map[string]string{"amount": "1234.56", "currency": "USD"},
			}}},
		}))

	amount, currency, err := client.FetchBalance(context.Background(), "tok-1", "ref-1", "client-1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "1234.56", amount.String())
	assert.Equal(t, "USD", currency)
}

func TestFetchBalanceEmptyList(t *testing.T) {
	client := newTestCounterpartyClient(t)
	httpmock.RegisterResponder(http.MethodGet, alphaURL+"/accounts/acc-1/balances",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"balance": []map[string]interface{}{}},
		}))

	_, _, err := client.FetchBalance(context.Background(), "tok-1", "ref-1", "client-1", "acc-1")
	assert.Error(t, err)
}

func TestRequestConsentRequiresReference(t *testing.T) {
	client := newTestCounterpartyClient(t)
	httpmock.RegisterResponder(http.MethodPost, alphaURL+"/account-consents/request",
		httpmock.NewJsonResponderOrPanic(http.StatusCreated, map[string]interface{}{
			"data": map[string]interface{}{"status": "active"},
		}))

	_, err := client.RequestConsent(context.Background(), "tok-1", "client-1", model.DefaultPermissions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no consent reference")
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.AggregationError
	}{
		{"deadline exceeded", context.DeadlineExceeded, model.ErrCodeTimeout},
		{"wrapped deadline", &url.Error{Op: "Get", URL: alphaURL, Err: context.DeadlineExceeded}, model.ErrCodeTimeout},
		{"upstream status", &UpstreamError{Counterparty: alphaCode, StatusCode: 502}, model.ErrCodeUpstreamHTTP},
		{"plain network failure", errors.New("connection refused"), model.ErrCodeConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, detail := classifyTransportError(tt.err)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, detail)
		})
	}
}
