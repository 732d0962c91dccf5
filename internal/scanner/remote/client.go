// Package remote delegates audits to a hosted PageSpeed-Insights-style API.
package remote

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
)

const maxBodyBytes = 16 << 20

// Config describes the remote endpoint.
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
}

// Client implements audit.Scanner over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns a remote scanner. A nil httpClient uses one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("remote endpoint required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse remote endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: httpClient, logger: logger}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return c, nil
}

// Scan runs one remote audit. Non-2xx statuses map to UpstreamError classes:
// 400 stays 400, 429 and 503 become 503, anything else is 500.
func (c *Client) Scan(ctx context.Context, params audit.ScanParams) (audit.Report, error) {
	params = params.WithDefaults()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return audit.Report{}, audit.NewUpstreamError(http.StatusServiceUnavailable, "client rate limit", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(params), nil)
	if err != nil {
		return audit.Report{}, audit.NewUpstreamError(http.StatusInternalServerError, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return audit.Report{}, audit.NewUpstreamError(http.StatusInternalServerError, "remote request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return audit.Report{}, audit.NewUpstreamError(http.StatusInternalServerError, "read remote response", err)
	}
	c.logger.Debug("remote scan response",
		zap.String("url", params.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return audit.Report{}, audit.NewUpstreamError(classify(resp.StatusCode), errorMessage(resp.StatusCode, body), nil)
	}
	return decodeReport(params, body)
}

func (c *Client) requestURL(params audit.ScanParams) string {
	q := url.Values{}
	q.Set("url", params.URL)
	q.Set("strategy", string(params.FormFactor))
	for _, category := range params.Categories {
		q.Add("category", strings.ToUpper(strings.ReplaceAll(category, "-", "_")))
	}
	if c.cfg.APIKey != "" {
		q.Set("key", c.cfg.APIKey)
	}
	sep := "?"
	if strings.Contains(c.cfg.Endpoint, "?") {
		sep = "&"
	}
	return c.cfg.Endpoint + sep + q.Encode()
}

func classify(status int) int {
	switch status {
	case http.StatusBadRequest:
		return http.StatusBadRequest
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func errorMessage(status int, body []byte) string {
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return fmt.Sprintf("remote returned %d", status)
}

type apiResponse struct {
	LighthouseResult *struct {
		FetchTime  string                 `json:"fetchTime"`
		Categories map[string]apiCategory `json:"categories"`
		Audits     map[string]apiAudit    `json:"audits"`
	} `json:"lighthouseResult"`
}

type apiAudit struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Score        *float64 `json:"score"`
	DisplayValue string   `json:"displayValue"`
	NumericValue *float64 `json:"numericValue"`
}

type apiCategory struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Score *float64 `json:"score"`
}

func decodeReport(params audit.ScanParams, body []byte) (audit.Report, error) {
	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return audit.Report{}, audit.NewUpstreamError(http.StatusInternalServerError, "invalid remote response", err)
	}
	lr := payload.LighthouseResult
	if lr == nil {
		return audit.Report{}, audit.NewUpstreamError(http.StatusInternalServerError, "remote response missing lighthouseResult", nil)
	}

	report := audit.Report{
		URL:        params.URL,
		FetchTime:  time.Now().UTC(),
		Categories: make(map[string]audit.CategoryScore, len(lr.Categories)),
		Audits:     make(map[string]audit.AuditResult, len(lr.Audits)),
	}
	if ts, err := time.Parse(time.RFC3339, lr.FetchTime); err == nil {
		report.FetchTime = ts.UTC()
	}
	for key, cat := range lr.Categories {
		score := 0.0
		if cat.Score != nil {
			score = *cat.Score
		}
		id := cat.ID
		if id == "" {
			id = key
		}
		report.Categories[id] = audit.CategoryScore{ID: id, Title: cat.Title, Score: score}
	}
	for key, a := range lr.Audits {
		result := audit.AuditResult{
			ID:           a.ID,
			Title:        a.Title,
			Description:  a.Description,
			Score:        a.Score,
			DisplayValue: a.DisplayValue,
			NumericValue: a.NumericValue,
		}
		if result.ID == "" {
			result.ID = key
		}
		report.Audits[result.ID] = result
	}
	return report, nil
}
