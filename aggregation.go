/*
Copyright 2024 Trellis Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package trellis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	redlock "github.com/trellis-finance/trellis/internal/lock"
	"github.com/trellis-finance/trellis/model"
)

var tracer = otel.Tracer("account.aggregation")

const (
	externalAccountsOp = "external_accounts"

	consentLockTTL  = 30 * time.Second
	consentLockWait = 5 * time.Second
)

func (t *Trellis) externalAccountsCacheKey(clientID string) string {
	return fmt.Sprintf("%s:%s:client:%s", t.projectName, externalAccountsOp, clientID)
}

// GetExternalAccounts aggregates the client's accounts across every
// configured counterparty. One bad counterparty never hides the others:
// failures are recorded as typed entries in the result. Results are cached
// per client; skipCache forces a live fetch.
func (t *Trellis) GetExternalAccounts(ctx context.Context, clientID string, skipCache bool) ([]model.ExternalAccountEntry, error) {
	ctx, span := tracer.Start(ctx, "AggregatingExternalAccounts", trace.WithAttributes(
		attribute.String("client.id", clientID),
	))
	defer span.End()

	cacheKey := t.externalAccountsCacheKey(clientID)
	if !skipCache {
		var cached []model.ExternalAccountEntry
		if err := t.cache.Get(ctx, cacheKey, &cached); err == nil && len(cached) > 0 {
			span.AddEvent("Serving external accounts from cache")
			return cached, nil
		}
	}

	entries := t.fetchExternalAccounts(ctx, clientID)

	if err := t.cache.Set(ctx, cacheKey, entries, t.cacheTTL); err != nil {
		logrus.Warnf("failed to cache external accounts for client %s: %v", clientID, err)
	}
	span.SetAttributes(attribute.Int("entries.count", len(entries)))
	return entries, nil
}

// InvalidateExternalAccounts drops every cached aggregation entry for the
// client, including suffixed variants. The client id segment is matched
// exactly so ids that share a prefix never invalidate each other. Returns the
// number of keys removed.
func (t *Trellis) InvalidateExternalAccounts(ctx context.Context, clientID string) (int, error) {
	removed, err := t.cache.DeletePattern(ctx, fmt.Sprintf("%s:*:client:%s", t.projectName, clientID))
	if err != nil {
		return removed, err
	}
	suffixed, err := t.cache.DeletePattern(ctx, fmt.Sprintf("%s:*:client:%s:*", t.projectName, clientID))
	return removed + suffixed, err
}

// fetchExternalAccounts queries all counterparties concurrently and flattens
// the results in configuration order so output is deterministic.
func (t *Trellis) fetchExternalAccounts(ctx context.Context, clientID string) []model.ExternalAccountEntry {
	ordered := make([]*CounterpartyClient, 0, len(t.counterparties))
	for _, cp := range t.counterparties {
		if client, ok := t.clients[cp.Code]; ok {
			ordered = append(ordered, client)
		}
	}

	results := make([][]model.ExternalAccountEntry, len(ordered))
	var wg sync.WaitGroup
	for i, client := range ordered {
		wg.Add(1)
		go func(i int, client *CounterpartyClient) {
			defer wg.Done()
			results[i] = t.collectCounterparty(ctx, clientID, client)
		}(i, client)
	}
	wg.Wait()

	entries := make([]model.ExternalAccountEntry, 0, len(ordered))
	for _, chunk := range results {
		entries = append(entries, chunk...)
	}
	return entries
}

// collectCounterparty gathers one counterparty's accounts for the client.
// Every failure mode collapses to a single entry describing the problem so
// aggregation degrades per counterparty, never as a whole.
func (t *Trellis) collectCounterparty(ctx context.Context, clientID string, client *CounterpartyClient) []model.ExternalAccountEntry {
	ctx, span := tracer.Start(ctx, "CollectingCounterpartyAccounts", trace.WithAttributes(
		attribute.String("counterparty.code", client.Code()),
	))
	defer span.End()

	token, ok := t.tokens.Token(ctx, client.Code())
	if !ok {
		span.AddEvent("Token unavailable")
		return []model.ExternalAccountEntry{t.errorEntry(client, model.ErrCodeTokenUnavailable, "no bearer token available for this counterparty")}
	}

	consent, err := t.ensureCounterpartyConsent(ctx, clientID, client, token)
	if err != nil {
		span.RecordError(err)
		return []model.ExternalAccountEntry{t.errorEntry(client, model.ErrCodeConsentRequired, err.Error())}
	}

	accounts, err := client.FetchAccounts(ctx, token, consent.ExternalRef, clientID)
	if errors.Is(err, ErrConsentRejected) {
		span.AddEvent("Counterparty rejected stored consent, refreshing once")
		accounts, consent, err = t.retryWithFreshConsent(ctx, clientID, client, token, consent)
		if err != nil {
			span.RecordError(err)
			return []model.ExternalAccountEntry{t.errorEntry(client, model.ErrCodeConsentRequired, "counterparty no longer honors the consent and a refreshed consent did not help")}
		}
	} else if err != nil {
		code, detail := classifyTransportError(err)
		span.SetStatus(codes.Error, detail)
		return []model.ExternalAccountEntry{t.errorEntry(client, code, detail)}
	}

	entries := make([]model.ExternalAccountEntry, 0, len(accounts))
	for _, account := range accounts {
		entry := model.ExternalAccountEntry{
			CounterpartyCode: client.Code(),
			CounterpartyName: client.Name(),
			AccountID:        account.AccountID,
			AccountSubType:   account.AccountSubType,
			Currency:         account.Currency,
		}
		balance, currency, err := client.FetchBalance(ctx, token, consent.ExternalRef, clientID, account.AccountID)
		if err != nil {
			// Balance degradation stays per account: the account is still
			// listed, only its balance is absent.
			logrus.Warnf("balance fetch failed for account %s at %s: %v", account.AccountID, client.Code(), err)
		} else {
			entry.Balance = &balance
			if currency != "" {
				entry.Currency = currency
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// ensureCounterpartyConsent returns the stored active consent for the
// (client, counterparty) pair or requests a new one from the counterparty.
// Acquisition runs under a redis lock so concurrent aggregations for the
// same pair request at most one consent.
func (t *Trellis) ensureCounterpartyConsent(ctx context.Context, clientID string, client *CounterpartyClient, token string) (*model.Consent, error) {
	now := time.Now()
	stored, err := t.datasource.GetActiveCounterpartyConsent(ctx, clientID, client.Code(), t.bankCode)
	if err != nil {
		return nil, err
	}
	if stored != nil && !stored.IsExpired(now) {
		return stored, nil
	}
	if stored != nil {
		// Active in storage but past its expiration wall clock.
		t.expireConsent(ctx, stored)
	}

	lock := redlock.NewLocker(t.redis, fmt.Sprintf("consent-acquire:%s:%s", clientID, client.Code()), model.GenerateUUIDWithSuffix("lock"))
	if err := lock.WaitLock(ctx, consentLockTTL, consentLockWait); err != nil {
		logrus.Warnf("could not acquire consent lock for client %s at %s, proceeding unguarded: %v", clientID, client.Code(), err)
	} else {
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logrus.Warnf("failed to release consent lock for client %s at %s: %v", clientID, client.Code(), err)
			}
		}()
		// Another aggregation may have acquired the consent while we waited.
		stored, err = t.datasource.GetActiveCounterpartyConsent(ctx, clientID, client.Code(), t.bankCode)
		if err != nil {
			return nil, err
		}
		if stored != nil && !stored.IsExpired(time.Now()) {
			return stored, nil
		}
	}

	return t.requestAndStoreConsent(ctx, clientID, client, token)
}

// requestAndStoreConsent asks the counterparty for a consent and persists it
// keyed by the counterparty's own reference.
func (t *Trellis) requestAndStoreConsent(ctx context.Context, clientID string, client *CounterpartyClient, token string) (*model.Consent, error) {
	ref, err := client.RequestConsent(ctx, token, clientID, model.DefaultPermissions)
	if err != nil {
		return nil, fmt.Errorf("consent request to counterparty %s failed: %w", client.Code(), err)
	}

	now := time.Now()
	consent, err := t.datasource.CreateConsent(ctx, model.Consent{
		ExternalRef:        ref,
		ClientID:           clientID,
		CounterpartyCode:   client.Code(),
		GrantedTo:          t.bankCode,
		Permissions:        append([]string{}, model.DefaultPermissions...),
		Status:             model.ConsentStatusActive,
		ExpirationDateTime: now.Add(t.consentValidity),
		SignedAt:           &now,
	})
	if err != nil {
		return nil, err
	}
	return &consent, nil
}

// retryWithFreshConsent handles a 403 on the account fetch: the stored
// consent is marked expired, a fresh consent is requested, and the fetch is
// retried exactly once. The fresh consent is returned so subsequent calls in
// the same pass carry its reference.
func (t *Trellis) retryWithFreshConsent(ctx context.Context, clientID string, client *CounterpartyClient, token string, rejected *model.Consent) ([]model.CounterpartyAccount, *model.Consent, error) {
	t.expireConsent(ctx, rejected)

	fresh, err := t.requestAndStoreConsent(ctx, clientID, client, token)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := client.FetchAccounts(ctx, token, fresh.ExternalRef, clientID)
	if err != nil {
		return nil, nil, err
	}
	return accounts, fresh, nil
}

func (t *Trellis) expireConsent(ctx context.Context, consent *model.Consent) {
	if _, err := t.datasource.UpdateConsentStatus(ctx, consent.ConsentID, model.ConsentStatusExpired, time.Now()); err != nil {
		logrus.Warnf("failed to mark consent %s expired: %v", consent.ConsentID, err)
	}
}

func (t *Trellis) errorEntry(client *CounterpartyClient, code model.AggregationError, detail string) model.ExternalAccountEntry {
	return model.ExternalAccountEntry{
		CounterpartyCode: client.Code(),
		CounterpartyName: client.Name(),
		Error:            code,
		ErrorDetail:      detail,
	}
}
