package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultChangesPageSize = 10000

type changesResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted,omitempty"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes,omitempty"`
}

type changesPage struct {
	LastSeq json.RawMessage `json:"last_seq"`
	Pending int64           `json:"pending"`
	Results []changesResult `json:"results"`
}

// HTTPClient reads the change feed and documents from a JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	validator  *DocumentValidator
	pageSize   int
	retry      backoff
	tombstones tombstones
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, validator *DocumentValidator) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		validator:  validator,
		pageSize:   defaultChangesPageSize,
		retry:      backoff{attempts: 3, base: 100 * time.Millisecond, ceiling: 2 * time.Second},
	}
}

// Changes follows feed pages until nothing is pending and returns every id
// seen along the way together with the final sequence.
func (c *HTTPClient) Changes(ctx context.Context, since string) (ChangeBatch, error) {
	batch := ChangeBatch{LastSeq: since}
	var ids idSet
	deleted := map[string]string{}
	cursor := strings.TrimSpace(since)
	for {
		q := url.Values{}
		if cursor != "" {
			q.Set("since", cursor)
		}
		if c.pageSize > 0 {
			q.Set("limit", strconv.Itoa(c.pageSize))
		}
		payload, err := c.get(ctx, "/v1/files/changes?"+q.Encode())
		if err != nil {
			return ChangeBatch{}, err
		}
		var page changesPage
		if err := json.Unmarshal(payload, &page); err != nil {
			return ChangeBatch{}, fmt.Errorf("decode changes page: %w", err)
		}
		for _, result := range page.Results {
			ids.add(result.ID)
			if result.Deleted && len(result.Changes) > 0 {
				deleted[result.ID] = result.Changes[0].Rev
			} else {
				delete(deleted, result.ID)
			}
		}
		if seq := seqString(page.LastSeq); seq != "" {
			batch.LastSeq = seq
		}
		if page.Pending <= 0 || len(page.Results) == 0 || batch.LastSeq == cursor {
			break
		}
		cursor = batch.LastSeq
	}
	c.tombstones.remember(deleted)
	batch.IDs = ids.ids
	return batch, nil
}

func (c *HTTPClient) FindMaybe(ctx context.Context, id string) (*Document, error) {
	raw, err := c.get(ctx, "/v1/files/"+url.PathEscape(id))
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			if doc, ok := c.tombstones.lookup(id); ok {
				return doc, nil
			}
			return nil, nil
		}
		return nil, err
	}
	return decodeDocument(raw, c.validator)
}

// get fetches one resource. Network failures, 429 and 5xx are retried;
// anything else that is not 2xx becomes an *HTTPError.
func (c *HTTPClient) get(ctx context.Context, requestPath string) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.retry.delay(attempt, lastErr)); err != nil {
				return nil, err
			}
		}
		payload, err := c.roundTrip(ctx, requestPath)
		if err == nil {
			return payload, nil
		}
		if !c.retry.allows(attempt, err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
}

func (c *HTTPClient) roundTrip(ctx context.Context, requestPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if resp.StatusCode/100 == 2 {
		return payload, nil
	}
	httpErr := remoteError(resp.StatusCode, payload)
	httpErr.retryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
	return nil, httpErr
}

// remoteError reads both error shapes the remote emits: JSON:API
// {"errors":[{"status","title","detail"}]} from the files API and
// {"error","reason"} passed through from the database.
func remoteError(status int, payload []byte) *HTTPError {
	var body struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	out := &HTTPError{StatusCode: status}
	if json.Unmarshal(payload, &body) == nil {
		if len(body.Errors) > 0 {
			first := body.Errors[0]
			out.Code = first.Code
			if out.Code == "" {
				out.Code = first.Title
			}
			out.Message = first.Detail
		} else {
			out.Code, out.Message = body.Error, body.Reason
		}
	}
	if out.Message == "" {
		out.Message = strings.TrimSpace(string(payload))
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

// transportError wraps a failure below HTTP, always worth a retry.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// backoff doubles from base up to ceiling, unless the server asked for a
// specific wait.
type backoff struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
}

func (b backoff) allows(attempt int, err error) bool {
	if attempt >= b.attempts {
		return false
	}
	var transport *transportError
	if errors.As(err, &transport) {
		return true
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode/100 == 5
}

// delay is the wait before retry number attempt (1-based).
func (b backoff) delay(attempt int, cause error) time.Duration {
	var httpErr *HTTPError
	if errors.As(cause, &httpErr) && httpErr.retryAfter > 0 {
		return min(httpErr.retryAfter, b.ceiling)
	}
	d := b.base
	for i := 1; i < attempt && d < b.ceiling; i++ {
		d *= 2
	}
	return min(d, b.ceiling)
}

// retryAfter accepts delta-seconds or an HTTP date.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// seqString accepts both numeric and string sequences.
func seqString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func correlationID() string {
	return "relaywatch_" + uuid.NewString()
}
