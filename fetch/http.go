package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/ledger"
)

// HTTPSourceOptions configures HTTPSource. Zero values pick the defaults.
type HTTPSourceOptions struct {
	Client     *http.Client
	MaxRetries int           // default 2
	BaseDelay  time.Duration // default 200ms
	MaxDelay   time.Duration // default 2s
	Name       string        // reported as Reading.Source; default "http"
}

// HTTPSource reads balances from GET {baseURL}/meters/{meterID}/balance.
// Transient failures (transport errors, 429, 5xx) are retried with jittered
// backoff, behind a circuit breaker.
type HTTPSource struct {
	baseURL  string
	client   *http.Client
	name     string
	executor failsafe.Executor[*http.Response]
}

type balanceResponse struct {
	MeterID string          `json:"meter_id"`
	Balance decimal.Decimal `json:"balance"`
	ReadAt  time.Time       `json:"read_at"`
}

// statusError is a non-2xx answer from the source.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func NewHTTPSource(baseURL string, opts HTTPSourceOptions) *HTTPSource {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "http"
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool {
			return shouldRetry(err)
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(_ *http.Response, err error) bool {
			return err != nil
		}).
		Build()

	return &HTTPSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   opts.Client,
		name:     opts.Name,
		executor: failsafe.With[*http.Response](retry, breaker),
	}
}

func shouldRetry(err error) bool {
	if err == nil || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

func (s *HTTPSource) FetchExternalBalance(ctx context.Context, meterID ledger.MeterID) (Reading, error) {
	endpoint := fmt.Sprintf("%s/meters/%s/balance", s.baseURL, url.PathEscape(string(meterID)))

	//nolint:bodyclose // closed below; failed attempts close their own body
	resp, err := s.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return Reading{}, err
	}
	defer resp.Body.Close()

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Reading{}, fmt.Errorf("decode balance response: %w", err)
	}
	if body.Balance.IsNegative() {
		return Reading{}, fmt.Errorf("source reported negative balance %s", body.Balance)
	}

	reading := Reading{
		MeterID: meterID,
		Balance: body.Balance,
		ReadAt:  body.ReadAt,
		Source:  s.name,
	}
	if body.MeterID != "" {
		reading.MeterID = ledger.MeterID(body.MeterID)
	}
	return reading, nil
}
