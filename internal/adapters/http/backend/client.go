// Package backend is the REST client for the CTF scoring backend: leaderboard
// snapshots, flag submission and solved-status checks.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/flagboard/internal/domain/leaderboard"
	"github.com/okian/flagboard/pkg/logger"
	"github.com/okian/flagboard/pkg/metrics"
)

const (
	endpointLeaderboard = "leaderboard"
	endpointSubmit      = "submission"
	endpointIsSolved    = "is_solved"

	headerRequestID = "X-Request-ID"
)

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	token   TokenSource
	topN    int
	now     func() time.Time
	log     logger.Logger
}

// New creates a client for baseURL. Unless WithHTTPClient is given, the
// client keeps a cookie jar so a session cookie issued by the backend is sent
// back on later calls.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		base:    u,
		timeout: defaultTimeout,
		token:   func(context.Context) (string, error) { return "", nil },
		topN:    leaderboard.DefaultTopN,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		jar, _ := cookiejar.New(nil)
		c.http = &http.Client{Jar: jar}
	}
	if c.log == nil {
		c.log = logger.Named("backend")
	}
	return c, nil
}

// FetchSnapshot performs one GET of the leaderboard. An empty tier or
// leaderboard.TierAll fetches the unscoped board, stored under TierAll.
// There is no retry; the caller decides what a failure means.
func (c *Client) FetchSnapshot(ctx context.Context, tier string) (leaderboard.Snapshot, error) {
	tier = strings.ToLower(strings.TrimSpace(tier))
	q := url.Values{}
	if tier == "" || tier == leaderboard.TierAll {
		tier = leaderboard.TierAll
	} else {
		q.Set("difficulty", tier)
	}

	body, _, err := c.do(ctx, endpointLeaderboard, http.MethodGet, "/leaderboard", q, nil, "")
	if err != nil {
		return leaderboard.Snapshot{}, err
	}
	snap, err := leaderboard.Decode(body,
		leaderboard.WithTier(tier),
		leaderboard.WithSource(leaderboard.SourceREST),
		leaderboard.WithTopN(c.topN),
		leaderboard.WithClock(c.now))
	if err != nil {
		metrics.RecordBackendError(endpointLeaderboard, "decode")
		return leaderboard.Snapshot{}, fmt.Errorf("%w: %w", ErrDecodeResponse, err)
	}
	return snap, nil
}

// SubmitRequest is one flag submission.
type SubmitRequest struct {
	QuestionID string
	Answer     string
	// RequestID is sent as X-Request-ID; a fresh one is generated when empty.
	RequestID string
}

// SubmitResult is the backend's verdict. Points are reported verbatim.
type SubmitResult struct {
	Success       bool   `json:"success"`
	Correct       bool   `json:"isCorrect"`
	Message       string `json:"message"`
	PointsAwarded *int64 `json:"pointsAwarded,omitempty"`
	TotalScore    *int64 `json:"totalScore,omitempty"`
}

type submitBody struct {
	QuestionID any    `json:"question_id"`
	Answer     string `json:"submitted_answer"`
}

// Submit posts a flag. A 4xx answer that still carries a verdict body is a
// result, not an error: some deployments report wrong flags as 400.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	payload, err := json.Marshal(submitBody{QuestionID: questionIDValue(req.QuestionID), Answer: req.Answer})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode submission: %w", err)
	}

	body, status, err := c.do(ctx, endpointSubmit, http.MethodPost, "/submission", nil, payload, req.RequestID)
	if err != nil {
		if status >= 400 && status < 500 && !errors.Is(err, ErrUnauthorized) {
			if res, ok := decodeVerdict(body); ok {
				return res, nil
			}
		}
		return SubmitResult{}, err
	}
	res, ok := decodeVerdict(body)
	if !ok {
		metrics.RecordBackendError(endpointSubmit, "decode")
		return SubmitResult{}, fmt.Errorf("%w: submission verdict", ErrDecodeResponse)
	}
	return res, nil
}

// IsSolved asks whether the current team already solved questionID.
func (c *Client) IsSolved(ctx context.Context, questionID string) (bool, error) {
	payload, err := json.Marshal(map[string]any{"question_id": questionIDValue(questionID)})
	if err != nil {
		return false, fmt.Errorf("encode solved check: %w", err)
	}
	body, _, err := c.do(ctx, endpointIsSolved, http.MethodPost, "/submission/is-solved", nil, payload, "")
	if err != nil {
		return false, err
	}

	var resp struct {
		Data struct {
			IsSolved *bool `json:"isSolved"`
		} `json:"data"`
		IsSolved *bool `json:"isSolved"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.RecordBackendError(endpointIsSolved, "decode")
		return false, fmt.Errorf("%w: %w", ErrDecodeResponse, err)
	}
	switch {
	case resp.Data.IsSolved != nil:
		return *resp.Data.IsSolved, nil
	case resp.IsSolved != nil:
		return *resp.IsSolved, nil
	default:
		return false, nil
	}
}

// do sends one request and returns the body. For non-2xx responses the body
// is still returned together with the status and an error.
func (c *Client) do(ctx context.Context, endpoint, method, path string, q url.Values, payload []byte, requestID string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %w", ErrRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set(headerRequestID, requestID)

	token, err := c.token(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: token: %w", ErrRequest, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RecordBackendLatency(endpoint, float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordBackendError(endpoint, "transport")
		c.log.Warn(ctx, "backend request failed",
			logger.String("endpoint", endpoint),
			logger.String("request_id", requestID),
			logger.Error(err))
		return nil, 0, fmt.Errorf("%w: %s %s: %w", ErrRequest, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		metrics.RecordBackendError(endpoint, "read")
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %w", ErrRequest, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RecordBackendError(endpoint, "unauthorized")
		return body, resp.StatusCode, fmt.Errorf("%w: %s %s: %d", ErrUnauthorized, method, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.RecordBackendError(endpoint, "status_"+strconv.Itoa(resp.StatusCode))
		return body, resp.StatusCode, fmt.Errorf("%w: %s %s: %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
	}
	c.log.Debug(ctx, "backend request",
		logger.String("endpoint", endpoint),
		logger.Int("status", resp.StatusCode),
		logger.String("request_id", requestID))
	return body, resp.StatusCode, nil
}

// decodeVerdict accepts a body only when it actually carries a verdict field.
func decodeVerdict(body []byte) (SubmitResult, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return SubmitResult{}, false
	}
	_, hasSuccess := probe["success"]
	_, hasCorrect := probe["isCorrect"]
	if !hasSuccess && !hasCorrect {
		return SubmitResult{}, false
	}
	var res SubmitResult
	if err := json.Unmarshal(body, &res); err != nil {
		return SubmitResult{}, false
	}
	return res, true
}

// questionIDValue sends numeric ids as JSON numbers, anything else as a string.
func questionIDValue(id string) any {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
