package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/brickwatch/compliance-engine/internal/resilience"
)

// SocrataConfig configures the shared SODA API client.
type SocrataConfig struct {
	// BaseURL is the portal root, e.g. "https://data.cityofnewyork.us".
	BaseURL string

	// AppToken raises the anonymous throttling tier when present.
	AppToken string

	UserAgent string
	Timeout   time.Duration

	// PageSize is the $limit used per request. Default: 1000.
	PageSize int

	// MaxRows bounds the fully materialized page set per fetch. Default: 5000.
	MaxRows int
}

// SocrataClient issues paginated SODA queries and classifies HTTP failures
// into the retry taxonomy. It performs no retries itself.
type SocrataClient struct {
	cfg    SocrataConfig
	client *http.Client
}

// NewSocrataClient creates a SODA client with the given options.
func NewSocrataClient(cfg SocrataConfig) *SocrataClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 5000
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "compliance-engine/1.0"
	}
	return &SocrataClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Rows fetches all rows matching the query from the dataset, paginating with
// $limit/$offset until a short page or the MaxRows bound. The query values
// must not already contain $limit or $offset.
func (c *SocrataClient) Rows(ctx context.Context, datasetID string, query url.Values) ([]map[string]any, error) {
	var all []map[string]any
	offset := 0

	for offset < c.cfg.MaxRows {
		limit := c.cfg.PageSize
		if remaining := c.cfg.MaxRows - offset; remaining < limit {
			limit = remaining
		}

		page, err := c.page(ctx, datasetID, query, limit, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)

		if len(page) < limit {
			break
		}
		offset += len(page)
	}

	if len(all) >= c.cfg.MaxRows {
		zap.L().Warn("socrata: row limit reached, result truncated",
			zap.String("dataset", datasetID),
			zap.Int("max_rows", c.cfg.MaxRows),
		)
	}

	return all, nil
}

func (c *SocrataClient) page(ctx context.Context, datasetID string, query url.Values, limit, offset int) ([]map[string]any, error) {
	q := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("$limit", strconv.Itoa(limit))
	q.Set("$offset", strconv.Itoa(offset))

	endpoint := fmt.Sprintf("%s/resource/%s.json?%s", c.cfg.BaseURL, datasetID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "socrata: create request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.cfg.AppToken != "" {
		req.Header.Set("X-App-Token", c.cfg.AppToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "socrata: get %s", datasetID)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		base := eris.Errorf("socrata: dataset %s returned status %d", datasetID, resp.StatusCode)
		return nil, resilience.ClassifyHTTPStatus(base, resp.StatusCode, retryAfter(resp))
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, eris.Wrapf(err, "socrata: decode %s response", datasetID)
	}
	return rows, nil
}

// retryAfter parses the Retry-After header as delay seconds. HTTP-date form
// is rare on SODA endpoints and is ignored.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
