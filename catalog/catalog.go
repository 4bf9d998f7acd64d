// Package catalog fetches deal products and advertisers from the catalog API.
package catalog

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"dealdrip/pkg/deal"
)

// maxPages bounds a full fetch if the API keeps reporting a larger total.
const maxPages = 500

// HTTPStatusError indicates a non-OK response from the catalog API.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// IsClientError checks if an error is a 4xx response, which retrying won't fix.
func IsClientError(err error) bool {
	var se *HTTPStatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// Page is one page of catalog results.
type Page struct {
	Results    []deal.Product `json:"results"`
	TotalCount int            `json:"total_count"`
}

// Config configures the catalog client.
type Config struct {
	BaseURL           string
	APIKey            string
	PageSize          int
	Concurrency       int
	RequestsPerSecond float64
	Attempts          uint
}

// FetchOptions controls a full catalog fetch.
type FetchOptions struct {
	MinDiscount  int
	MaxAge       time.Duration // cached results younger than this are reused
	ForceRefresh bool
}

type cacheEntry struct {
	fetchedAt time.Time
	products  []deal.Product
}

// Client talks to the catalog API.
type Client struct {
	client      *http.Client
	logger      *slog.Logger
	limiter     *rate.Limiter
	now         func() time.Time
	cache       map[int]cacheEntry
	advertisers advertiserCache
	group       singleflight.Group
	cfg         Config
	mu          sync.Mutex
}

type advertiserCache struct {
	fetchedAt time.Time
	byID      map[string]deal.Advertiser
}

// New creates a catalog client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	return &Client{
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Concurrency),
		now:     time.Now,
		cache:   make(map[int]cacheEntry),
		cfg:     cfg,
	}
}

// FetchAll returns every product at or above the minimum discount, walking the
// pages until the reported total is reached or an empty page comes back.
// Failures are *deal.FetchError.
func (c *Client) FetchAll(ctx context.Context, opts FetchOptions) ([]deal.Product, error) {
	if !opts.ForceRefresh && opts.MaxAge > 0 {
		c.mu.Lock()
		entry, ok := c.cache[opts.MinDiscount]
		c.mu.Unlock()
		if ok && c.now().Sub(entry.fetchedAt) < opts.MaxAge {
			c.logger.Debug("Catalog cache hit", "min_discount", opts.MinDiscount, "products", len(entry.products))
			return entry.products, nil
		}
	}

	key := strconv.Itoa(opts.MinDiscount)
	if opts.ForceRefresh {
		key += ":force"
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetchAll(ctx, opts.MinDiscount)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Catalog fetch shared with concurrent caller", "min_discount", opts.MinDiscount)
	}
	return v.([]deal.Product), nil
}

// Invalidate drops every cached result.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[int]cacheEntry)
	c.advertisers = advertiserCache{}
}

func (c *Client) fetchAll(ctx context.Context, minDiscount int) ([]deal.Product, error) {
	start := time.Now()

	first, err := c.FetchPage(ctx, minDiscount, 0, c.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	products := first.Results

	pages := 0
	if len(first.Results) > 0 && first.TotalCount > len(first.Results) {
		pages = (first.TotalCount - len(first.Results) + c.cfg.PageSize - 1) / c.cfg.PageSize
	}
	if pages > maxPages {
		c.logger.Warn("Catalog total exceeds page cap", "total_count", first.TotalCount, "max_pages", maxPages)
		pages = maxPages
	}

	if pages > 0 {
		results := make([][]deal.Product, pages)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)
		for i := range pages {
			offset := len(first.Results) + i*c.cfg.PageSize
			g.Go(func() error {
				if err := c.limiter.Wait(gctx); err != nil {
					return &deal.FetchError{Op: "rate limit", Err: err}
				}
				page, err := c.FetchPage(gctx, minDiscount, offset, c.cfg.PageSize)
				if err != nil {
					return err
				}
				results[i] = page.Results
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, page := range results {
			// An empty page ends the catalog even if the total said otherwise.
			if len(page) == 0 {
				break
			}
			products = append(products, page...)
		}
	}

	c.mu.Lock()
	c.cache[minDiscount] = cacheEntry{fetchedAt: c.now(), products: products}
	c.mu.Unlock()

	c.logger.Info("Catalog fetched",
		"min_discount", minDiscount,
		"products", len(products),
		"total_count", first.TotalCount,
		"pages", pages+1,
		"duration_ms", time.Since(start).Milliseconds())
	return products, nil
}

// FetchPage fetches one page of products.
func (c *Client) FetchPage(ctx context.Context, minDiscount, offset, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("min_discount", strconv.Itoa(minDiscount))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	pageURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/products?" + q.Encode()

	var page Page
	if err := c.getJSON(ctx, pageURL, "fetch_products", &page); err != nil {
		return nil, &deal.FetchError{Op: "products", Err: err}
	}
	for i := range page.Results {
		page.Results[i].Description = plainText(page.Results[i].Description)
	}
	return &page, nil
}

// Advertisers returns the advertiser directory keyed by id, cached for maxAge.
func (c *Client) Advertisers(ctx context.Context, maxAge time.Duration) (map[string]deal.Advertiser, error) {
	c.mu.Lock()
	cached := c.advertisers
	c.mu.Unlock()
	if cached.byID != nil && c.now().Sub(cached.fetchedAt) < maxAge {
		return cached.byID, nil
	}

	v, err, _ := c.group.Do("advertisers", func() (any, error) {
		var resp struct {
			Results []deal.Advertiser `json:"results"`
		}
		advURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/advertisers"
		if err := c.getJSON(ctx, advURL, "fetch_advertisers", &resp); err != nil {
			return nil, &deal.FetchError{Op: "advertisers", Err: err}
		}
		byID := make(map[string]deal.Advertiser, len(resp.Results))
		for _, a := range resp.Results {
			byID[a.ID] = a
		}
		c.mu.Lock()
		c.advertisers = advertiserCache{fetchedAt: c.now(), byID: byID}
		c.mu.Unlock()
		return byID, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]deal.Advertiser), nil
}

func (c *Client) getJSON(ctx context.Context, reqURL, purpose string, v any) error {
	err := retry.Do(
		func() error {
			c.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", reqURL,
				"purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("Accept-Encoding", "br, gzip")
			if c.cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("HTTP request failed",
					"url", reqURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("HTTP request completed",
				"url", reqURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: reqURL, Code: resp.StatusCode}
			}

			body, err := readBody(resp)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if err := json.Unmarshal(body, v); err != nil {
				c.logger.Error("Failed to decode catalog response", "url", reqURL, "error", err)
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying catalog request after error", "attempt", n, "url", reqURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

// readBody reads and decompresses an HTTP response body.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		reader = resp.Body
	}
	return io.ReadAll(reader)
}

// plainText strips markup from a product description.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
