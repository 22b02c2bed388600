package pricesvc

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source supplies the latest signed envelopes for a set of price ids.
type Source interface {
	LatestVAAs(ctx context.Context, ids []wire.PriceID) ([][]byte, error)
	ListFeedIDs(ctx context.Context) ([]wire.PriceID, error)
}

// Client queries the price service REST API.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg config.PriceServiceConfig, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(1, int(cfg.RequestsPerSecond))
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		timeout: cfg.RequestTimeout,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// LatestVAAs returns the raw envelopes covering ids. One envelope may carry several ids.
func (c *Client) LatestVAAs(ctx context.Context, ids []wire.PriceID) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := url.Values{}
	for _, id := range ids {
		query.Add("ids[]", id.Hex())
	}

	var encoded []string
	if err := c.getJSON(ctx, "/api/latest_vaas", query, &encoded); err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(encoded))
	for i, item := range encoded {
		raw, err := base64.StdEncoding.DecodeString(item)
		if err != nil {
			return nil, fmt.Errorf("decode vaa %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (c *Client) ListFeedIDs(ctx context.Context) ([]wire.PriceID, error) {
	var raw []string
	if err := c.getJSON(ctx, "/api/price_feed_ids", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]wire.PriceID, 0, len(raw))
	for _, item := range raw {
		id, err := wire.ParsePriceID(item)
		if err != nil {
			c.logger.Warn("price service returned malformed feed id", "feed_id", item, "err", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for request slot: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build price service request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("price service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("price service %s: status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode price service %s response: %w", path, err)
	}
	return nil
}
