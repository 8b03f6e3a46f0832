package trellis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"

	"github.com/trellis-finance/trellis/cache"
	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

// memoryDataSource is an in-memory database.IDataSource with the same error
// semantics as the postgres implementation. Service tests use it so the SQL
// layer, covered by its own sqlmock tests, stays out of the way.
type memoryDataSource struct {
	mu          sync.Mutex
	requests    map[string]*model.ConsentRequest
	consents    map[string]*model.Consent
	allocations map[string]*model.AllocationTarget
}

func newMemoryDataSource() *memoryDataSource {
	return &memoryDataSource{
		requests:    make(map[string]*model.ConsentRequest),
		consents:    make(map[string]*model.Consent),
		allocations: make(map[string]*model.AllocationTarget),
	}
}

func (m *memoryDataSource) CreateConsentRequest(_ context.Context, request model.ConsentRequest) (model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request.RequestID = model.GenerateUUIDWithSuffix("req")
	request.CreatedAt = time.Now()
	stored := request
	m.requests[request.RequestID] = &stored
	return request, nil
}

func (m *memoryDataSource) GetConsentRequest(_ context.Context, requestID, clientID string) (*model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[requestID]
	if !ok || request.ClientID != clientID {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("consent request %s not found", requestID), nil)
	}
	clone := *request
	return &clone, nil
}

func (m *memoryDataSource) GetPendingConsentRequest(_ context.Context, requestID, clientID string) (*model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[requestID]
	if !ok || request.ClientID != clientID || request.Status != model.ConsentRequestStatusPending {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no pending consent request %s", requestID), nil)
	}
	clone := *request
	return &clone, nil
}

func (m *memoryDataSource) RespondToConsentRequest(_ context.Context, requestID string, status model.ConsentRequestStatus, respondedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[requestID]
	if !ok || !request.Status.CanTransition(status) {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no pending consent request %s", requestID), nil)
	}
	request.Status = status
	request.RespondedAt = &respondedAt
	return nil
}

func (m *memoryDataSource) ListConsentRequests(_ context.Context, clientID string, status model.ConsentRequestStatus) ([]model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConsentRequest
	for _, request := range m.requests {
		if request.ClientID != clientID {
			continue
		}
		if status != "" && request.Status != status {
			continue
		}
		out = append(out, *request)
	}
	return out, nil
}

func (m *memoryDataSource) CreateConsent(_ context.Context, consent model.Consent) (model.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consent.ConsentID = model.GenerateUUIDWithSuffix("cns")
	if consent.ExternalRef == "" {
		consent.ExternalRef = consent.ConsentID
	}
	consent.CreatedAt = time.Now()
	consent.StatusUpdatedAt = consent.CreatedAt
	stored := consent
	m.consents[consent.ConsentID] = &stored
	return consent, nil
}

func (m *memoryDataSource) GetConsentByID(_ context.Context, consentID, clientID string) (*model.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consent, ok := m.consents[consentID]
	if !ok || consent.ClientID != clientID {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("consent %s not found", consentID), nil)
	}
	clone := *consent
	return &clone, nil
}

func (m *memoryDataSource) GetActiveConsents(_ context.Context, clientID, grantedTo string) ([]model.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Consent
	for _, consent := range m.consents {
		if consent.ClientID == clientID && consent.GrantedTo == grantedTo && consent.Status == model.ConsentStatusActive {
			out = append(out, *consent)
		}
	}
	return out, nil
}

func (m *memoryDataSource) GetActiveCounterpartyConsent(_ context.Context, clientID, counterpartyCode, grantedTo string) (*model.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, consent := range m.consents {
		if consent.ClientID == clientID && consent.CounterpartyCode == counterpartyCode &&
			consent.GrantedTo == grantedTo && consent.Status == model.ConsentStatusActive {
			clone := *consent
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memoryDataSource) UpdateConsentStatus(_ context.Context, consentID string, target model.ConsentStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !model.ConsentStatusActive.CanTransition(target) {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("cannot transition a consent to %s", target), nil)
	}
	consent, ok := m.consents[consentID]
	if !ok || consent.Status != model.ConsentStatusActive {
		return false, nil
	}
	consent.Status = target
	consent.StatusUpdatedAt = at
	switch target {
	case model.ConsentStatusRevoked:
		consent.RevokedAt = &at
	case model.ConsentStatusUsed:
		consent.UsedAt = &at
	}
	return true, nil
}

func (m *memoryDataSource) ListConsents(_ context.Context, clientID string) ([]model.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Consent
	for _, consent := range m.consents {
		if consent.ClientID == clientID {
			out = append(out, *consent)
		}
	}
	return out, nil
}

func (m *memoryDataSource) CreateAllocationTarget(_ context.Context, target model.AllocationTarget) (model.AllocationTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.allocations {
		if existing.ClientID == target.ClientID && existing.CounterpartyCode == target.CounterpartyCode && existing.AccountType == target.AccountType {
			return model.AllocationTarget{}, apierror.NewAPIError(apierror.ErrConflict, "allocation target already exists", nil)
		}
	}
	target.AllocationID = model.GenerateUUIDWithSuffix("alc")
	target.CreatedAt = time.Now()
	target.UpdatedAt = target.CreatedAt
	stored := target
	m.allocations[target.AllocationID] = &stored
	return target, nil
}

func (m *memoryDataSource) GetAllocationTarget(_ context.Context, allocationID, clientID string) (*model.AllocationTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.allocations[allocationID]
	if !ok || target.ClientID != clientID {
		return nil, apierror.NewAPIError(apierror.ErrAllocationNotFound, fmt.Sprintf("allocation %s not found", allocationID), nil)
	}
	clone := *target
	return &clone, nil
}

func (m *memoryDataSource) GetAllocationTargets(_ context.Context, clientID string) ([]model.AllocationTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AllocationTarget
	for _, target := range m.allocations {
		if target.ClientID == clientID {
			out = append(out, *target)
		}
	}
	return out, nil
}

func (m *memoryDataSource) FindAllocationTarget(_ context.Context, clientID, counterpartyCode, accountType string) (*model.AllocationTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, target := range m.allocations {
		if target.ClientID == clientID && target.CounterpartyCode == counterpartyCode && target.AccountType == accountType {
			clone := *target
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memoryDataSource) UpdateAllocationTarget(_ context.Context, target *model.AllocationTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.allocations[target.AllocationID]
	if !ok || stored.ClientID != target.ClientID {
		return apierror.NewAPIError(apierror.ErrAllocationNotFound, fmt.Sprintf("allocation %s not found", target.AllocationID), nil)
	}
	target.UpdatedAt = time.Now()
	clone := *target
	m.allocations[target.AllocationID] = &clone
	return nil
}

func (m *memoryDataSource) DeleteAllocationTarget(_ context.Context, allocationID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.allocations[allocationID]
	if !ok || target.ClientID != clientID {
		return apierror.NewAPIError(apierror.ErrAllocationNotFound, fmt.Sprintf("allocation %s not found", allocationID), nil)
	}
	delete(m.allocations, allocationID)
	return nil
}

const (
	testBankCode = "TRB"

	alphaCode = "ALPHA"
	betaCode  = "BETA"
	gammaCode = "GAMMA"

	alphaURL = "https://alpha.example.com"
	betaURL  = "https://beta.example.com"
	gammaURL = "https://gamma.example.com"
)

func testConfiguration() *config.Configuration {
	return &config.Configuration{
		ProjectName: "trellis",
		Bank:        config.BankConfig{Code: testBankCode, Name: "Trellis Bank"},
		Counterparties: []config.CounterpartyConfig{
			{Code: alphaCode, Name: "Alpha Bank", ApiUrl: alphaURL, ClientID: "id-a", ClientSecret: "sec-a"},
			{Code: betaCode, Name: "Beta Bank", ApiUrl: betaURL, ClientID: "id-b", ClientSecret: "sec-b"},
			{Code: gammaCode, Name: "Gamma Bank", ApiUrl: gammaURL, ClientID: "id-g", ClientSecret: "sec-g"},
		},
		Consent:     config.ConsentConfig{AutoApprove: false, ValidityDays: 365},
		Aggregation: config.AggregationConfig{CacheTTLSeconds: 300, CounterpartyTimeoutSeconds: 2},
		Rebalance:   config.RebalanceConfig{Epsilon: "0.01"},
	}
}

// newTestTrellis wires a service against miniredis, an in-memory datasource
// and a static token supplier. GAMMA deliberately has no token so aggregation
// tests can cover the token-unavailable path.
func newTestTrellis(t *testing.T, cnf *config.Configuration) (*Trellis, *memoryDataSource) {
	t.Helper()
	if cnf == nil {
		cnf = testConfiguration()
	}
	config.MockConfig(cnf)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ds := newMemoryDataSource()
	tokens := NewStaticTokenSupplier(map[string]string{
		alphaCode: "token-alpha",
		betaCode:  "token-beta",
	})
	service := NewTrellisWithDependencies(ds, cache.NewRedisCacheWithClient(client), client, tokens, cnf)
	return service, ds
}

// interceptCounterparties routes every counterparty client through httpmock.
func interceptCounterparties(t *testing.T, service *Trellis) {
	t.Helper()
	for _, client := range service.clients {
		httpmock.ActivateNonDefault(client.httpClient)
	}
	t.Cleanup(httpmock.DeactivateAndReset)
}
