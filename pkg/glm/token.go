package glm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harunnryd/kefubridge/pkg/errorsx"
	"github.com/harunnryd/kefubridge/pkg/statestore"
)

const tokenRequestTimeout = 15 * time.Second

// Credential is a cached bearer token for one API key, valid until
// RefreshTime (unix seconds, already reduced by the safety margin).
type Credential struct {
	AccessToken string `json:"access_token"`
	RefreshTime int64  `json:"refresh_time"`
}

// TokenCache caches one credential per API key and refreshes it on expiry.
// Concurrent Acquire calls for the same key are coalesced onto a single
// refresh; every waiter receives its outcome. Refreshed credentials are
// persisted so a restart reuses them until natural expiry.
type TokenCache struct {
	httpClient *http.Client
	baseURL    string
	margin     time.Duration
	store      statestore.Store
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]Credential
}

func NewTokenCache(baseURL string, margin time.Duration, store statestore.Store, logger *slog.Logger) *TokenCache {
	if margin <= 0 {
		margin = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		httpClient: &http.Client{Timeout: tokenRequestTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		margin:     margin,
		store:      store,
		logger:     logger,
		now:        time.Now,
		entries:    make(map[string]Credential),
	}
}

// Acquire returns a valid bearer token for apiKey, refreshing when the
// cached entry is absent or expired. Refreshes for the same key are
// serialized through a singleflight group so a burst of callers issues one
// upstream request and shares its outcome.
func (tc *TokenCache) Acquire(ctx context.Context, apiKey string) (string, error) {
	if token, ok := tc.cached(apiKey); ok {
		return token, nil
	}
	token, err, _ := tc.group.Do(apiKey, func() (any, error) {
		// A caller queued behind a just-finished refresh takes the fresh
		// credential instead of refreshing again.
		if token, ok := tc.cached(apiKey); ok {
			return token, nil
		}
		token, refreshTime, err := tc.requestToken(ctx, apiKey)
		if err != nil {
			return "", err
		}
		refreshed := Credential{AccessToken: token, RefreshTime: refreshTime}
		tc.mu.Lock()
		tc.entries[apiKey] = refreshed
		tc.mu.Unlock()
		tc.persist(apiKey, refreshed)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// cached returns the unexpired credential for apiKey, consulting the
// persisted copy on first miss.
func (tc *TokenCache) cached(apiKey string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	cred, ok := tc.entries[apiKey]
	if !ok && tc.store != nil {
		if persisted, found := tc.loadPersisted(apiKey); found {
			tc.entries[apiKey] = persisted
			cred, ok = persisted, true
		}
	}
	if ok && tc.now().Unix() < cred.RefreshTime {
		return cred.AccessToken, true
	}
	return "", false
}

func (tc *TokenCache) requestToken(ctx context.Context, apiKey string) (string, int64, error) {
	keyID, secret, found := strings.Cut(apiKey, ".")
	if !found || keyID == "" || secret == "" {
		return "", 0, errorsx.New(errorsx.ReasonAuthRefresh, "api key must be of the form id.secret")
	}
	body, err := json.Marshal(map[string]string{
		"api_key":    keyID,
		"api_secret": secret,
	})
	if err != nil {
		return "", 0, errorsx.Wrap(err, errorsx.ReasonAuthRefresh)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.baseURL+"/get_token", bytes.NewReader(body))
	if err != nil {
		return "", 0, errorsx.Wrap(err, errorsx.ReasonAuthRefresh)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", 0, errorsx.Wrap(err, errorsx.ReasonAuthRefresh)
	}
	defer resp.Body.Close()

	var payload struct {
		Status  *int   `json:"status"`
		Message string `json:"message"`
		Result  struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", 0, errorsx.Wrap(fmt.Errorf("decode token response: %w", err), errorsx.ReasonAuthRefresh)
	}
	if payload.Status == nil || *payload.Status != 0 {
		return "", 0, errorsx.Newf(errorsx.ReasonAuthRefresh, "token refresh rejected: %s", payload.Message)
	}
	if payload.Result.AccessToken == "" {
		return "", 0, errorsx.New(errorsx.ReasonAuthRefresh, "token refresh returned empty token")
	}
	refreshTime := tc.now().Add(time.Duration(payload.Result.ExpiresIn)*time.Second - tc.margin).Unix()
	tc.logger.Info("token refreshed", "key_id", keyID, "refresh_time", refreshTime)
	return payload.Result.AccessToken, refreshTime, nil
}

func (tc *TokenCache) loadPersisted(apiKey string) (Credential, bool) {
	var cred Credential
	ok, err := tc.store.Load(tc.storeKey(apiKey), &cred)
	if err != nil || !ok {
		return Credential{}, false
	}
	return cred, true
}

func (tc *TokenCache) persist(apiKey string, cred Credential) {
	if tc.store == nil {
		return
	}
	if err := tc.store.Save(tc.storeKey(apiKey), cred); err != nil {
		tc.logger.Warn("persist credential failed", "error", err)
	}
}

func (tc *TokenCache) storeKey(apiKey string) string {
	keyID, _, _ := strings.Cut(apiKey, ".")
	return "glm-token-" + keyID
}
