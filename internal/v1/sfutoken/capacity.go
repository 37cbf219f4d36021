package sfutoken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roomsync/server/internal/v1/metrics"
)

// HTTPCapacityChecker queries the SFU control plane's occupancy endpoint for
// spec.md §4.8 step 2's best-effort stage/table capacity, guarded by the
// same gobreaker pattern bus.Service wraps around its Redis calls: a flaky
// or unreachable control plane trips the breaker instead of stalling every
// token mint behind a slow HTTP round trip.
type HTTPCapacityChecker struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewHTTPCapacityChecker builds a checker against the SFU control plane's
// base URL (its REST admin API, distinct from the client-facing join URL).
func NewHTTPCapacityChecker(baseURL string) *HTTPCapacityChecker {
	st := gobreaker.Settings{
		Name:        "sfu-capacity",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("sfu-capacity").Set(stateVal)
		},
	}
	return &HTTPCapacityChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

type occupancyResponse struct {
	Count int `json:"count"`
}

// Count reports the current occupancy of roomID's stage, or of a specific
// table when tableID is set. Per spec.md §4.8 step 2 this is best-effort:
// a transport failure or an open breaker is treated as "capacity unknown"
// (zero occupancy, no error), leaving the SFU's own room limits as the
// backstop rather than blocking every mint while the control plane recovers.
func (c *HTTPCapacityChecker) Count(ctx context.Context, roomID string, kind Kind, tableID string) (int, error) {
	q := url.Values{}
	q.Set("kind", string(kind))
	if tableID != "" {
		q.Set("tableId", tableID)
	}
	endpoint := fmt.Sprintf("%s/rooms/%s/occupancy?%s", c.baseURL, url.PathEscape(roomID), q.Encode())

	result, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sfu control plane returned status %d", resp.StatusCode)
		}
		var out occupancyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Count, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("sfu-capacity").Inc()
		}
		return 0, nil
	}
	return result.(int), nil
}
