package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// RiskLevel is the coarse outcome of an identity risk lookup.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// RiskClient scores an IP for abuse risk before anonymous access is
// granted.
type RiskClient interface {
	// Score returns the risk level for an IP. Implementations must fail
	// open: any lookup failure reports low risk, preserving availability
	// over strict enforcement.
	Score(ctx context.Context, ip string) RiskLevel
}

// httpRiskClient calls an external geo/security lookup endpoint with a
// bounded timeout.
type httpRiskClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPRiskClient creates a RiskClient against the given lookup URL.
// The timeout bounds the whole lookup; on expiry the client fails open.
func NewHTTPRiskClient(endpoint string, timeout time.Duration, logger *slog.Logger) RiskClient {
	return &httpRiskClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type riskResponse struct {
	Risk  string  `json:"risk"`
	Score float64 `json:"score"`
}

func (c *httpRiskClient) Score(ctx context.Context, ip string) RiskLevel {
	lookupURL := fmt.Sprintf("%s?ip=%s", c.endpoint, url.QueryEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return RiskLow
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("risk lookup failed open", "error", err)
		return RiskLow
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("risk lookup failed open", "status", resp.StatusCode)
		return RiskLow
	}

	var body riskResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RiskLow
	}
	if body.Risk == "high" || body.Score >= 0.9 {
		return RiskHigh
	}
	return RiskLow
}
