// Package feed pulls external credit data for accounts and integrates it
// into their profiles as the engine owner.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/retry"
	"github.com/mbd888/creditscore/internal/security"
	"github.com/mbd888/creditscore/internal/validation"
)

// ErrNoData is returned when a source has nothing for an account.
var ErrNoData = errors.New("no external data for account")

// Source fetches external metrics for one account.
type Source interface {
	Fetch(ctx context.Context, account common.Address) (profile.ExternalData, error)
}

// Committer is implemented by sources that derive data from earlier fetches.
// Commit is called only after data for account has been integrated.
type Committer interface {
	Commit(account common.Address, data profile.ExternalData)
}

// DefaultData is what StaticSource returns for accounts without an override.
var DefaultData = profile.ExternalData{
	Volume:    100,
	Balance:   200,
	Frequency: 50,
	Mix:       25,
	NewTx:     10,
}

// StaticSource serves fixed data. It stands in for a real provider in
// development and in the one-shot integrator.
type StaticSource struct {
	mu        sync.RWMutex
	fallback  profile.ExternalData
	overrides map[string]profile.ExternalData
}

// NewStaticSource returns a source that answers DefaultData for every account.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		fallback:  DefaultData,
		overrides: make(map[string]profile.ExternalData),
	}
}

// Set overrides the data returned for account.
func (s *StaticSource) Set(account common.Address, data profile.ExternalData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[profile.Key(account)] = data
}

func (s *StaticSource) Fetch(ctx context.Context, account common.Address) (profile.ExternalData, error) {
	if err := ctx.Err(); err != nil {
		return profile.ExternalData{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.overrides[profile.Key(account)]; ok {
		return d, nil
	}
	return s.fallback, nil
}

// HTTPSource fetches GET <baseURL>/<address> and expects a JSON object with
// volume, balance, frequency, mix and newTx. Values may be numbers or
// decimal strings.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Policy
	validate   func(ctx context.Context, rawURL string) error
}

// NewHTTPSource creates a source backed by an HTTP endpoint. URLs that
// resolve to internal addresses are refused.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		validate: security.ValidateEndpointURL,
	}
}

// WithRetryPolicy sets how transient fetch failures are retried.
func (s *HTTPSource) WithRetryPolicy(p retry.Policy) *HTTPSource {
	s.retry = p
	return s
}

func (s *HTTPSource) Fetch(ctx context.Context, account common.Address) (profile.ExternalData, error) {
	u := s.baseURL + "/" + profile.Key(account)
	if err := s.validate(ctx, u); err != nil {
		return profile.ExternalData{}, fmt.Errorf("feed endpoint rejected: %w", err)
	}

	var data profile.ExternalData
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		d, err := s.fetchOnce(ctx, u)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	if err != nil {
		return profile.ExternalData{}, err
	}
	return data, nil
}

func (s *HTTPSource) fetchOnce(ctx context.Context, u string) (profile.ExternalData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return profile.ExternalData{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return profile.ExternalData{}, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return profile.ExternalData{}, fmt.Errorf("read feed response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return profile.ExternalData{}, retry.Permanent(ErrNoData)
	case resp.StatusCode >= 500:
		return profile.ExternalData{}, fmt.Errorf("feed error (%d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return profile.ExternalData{}, retry.Permanent(fmt.Errorf("feed error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	data, err := decodeExternalData(body)
	if err != nil {
		return profile.ExternalData{}, retry.Permanent(err)
	}
	return data, nil
}

func decodeExternalData(body []byte) (profile.ExternalData, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return profile.ExternalData{}, fmt.Errorf("decode feed response: %w", err)
	}

	var data profile.ExternalData
	var errs validation.ValidationErrors
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"volume", &data.Volume},
		{"balance", &data.Balance},
		{"frequency", &data.Frequency},
		{"mix", &data.Mix},
		{"newTx", &data.NewTx},
	} {
		v, verr := validation.ParseJSONUint(f.name, raw[f.name])
		if verr != nil {
			errs = append(errs, *verr)
			continue
		}
		*f.dst = v
	}
	if len(errs) > 0 {
		return profile.ExternalData{}, fmt.Errorf("invalid feed response: %w", errs)
	}
	return data, nil
}
