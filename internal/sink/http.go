package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPSinkOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPSink talks to the hosted document backend. Transient failures (network
// errors, 429, 5xx) are retried with exponential backoff honoring
// Retry-After; everything else surfaces immediately so the record stays
// queued for the next poll cycle.
type HTTPSink struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSink(opts HTTPSinkOptions) (*HTTPSink, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: sink base url is empty", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPSink{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (s *HTTPSink) CreateEntity(ctx context.Context, entity Entity) (string, error) {
	if err := entity.validate(); err != nil {
		return "", err
	}
	path := fmt.Sprintf("/v1/collections/%s/entities", url.PathEscape(entity.Collection))
	var result struct {
		ID string `json:"id"`
	}
	if err := s.doJSON(ctx, http.MethodPost, path, entity, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		result.ID = entity.ID
	}
	return result.ID, nil
}

func (s *HTTPSink) UpdateEntity(ctx context.Context, collection, id string, fields map[string]any) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/collections/%s/entities/%s", url.PathEscape(collection), url.PathEscape(id))
	body := map[string]any{"fields": fields}
	return s.doJSON(ctx, http.MethodPatch, path, body, nil)
}

func (s *HTTPSink) Query(ctx context.Context, collection string, filter Filter, limit int) ([]Entity, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/collections/%s/query", url.PathEscape(collection))
	body := struct {
		Filter Filter `json:"filter"`
		Limit  int    `json:"limit,omitempty"`
	}{Filter: filter, Limit: limit}
	var result struct {
		Entities []Entity `json:"entities"`
	}
	if err := s.doJSON(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return result.Entities, nil
}

func (s *HTTPSink) doJSON(ctx context.Context, method, path string, payload, result any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := s.baseURL + path
	// One id per logical operation; retries reuse it so the backend can tie
	// the attempts together.
	correlation := correlationID()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlation)
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		if s.userAgent != "" {
			req.Header.Set("User-Agent", s.userAgent)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if result == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, result)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return fmt.Errorf("sink request %s %s failed: status=%d message=%s", method, path, resp.StatusCode, message)
	}
}

func (s *HTTPSink) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

func correlationID() string {
	return fmt.Sprintf("keepsake_%d", time.Now().UnixNano())
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
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
