package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/retry"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// Result codes returned in result.header.process.code.
const (
	codeOK     = "00"
	codeNoData = "03"
)

// Config holds upstream API configuration.
type Config struct {
	BaseURL           string             `yaml:"base_url"`
	APIKey            string             `yaml:"api_key"`
	PageSize          int                `yaml:"page_size"`
	Timeout           time.Duration      `yaml:"timeout"`
	RequestsPerSecond float64            `yaml:"requests_per_second"`
	PartitionsURL     string             `yaml:"partitions_url"`
	Partitions        []domain.Partition `yaml:"partitions"`
}

// DefaultConfig returns the default upstream settings.
func DefaultConfig() Config {
	return Config{
		PageSize:          1000,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
	}
}

// Client fetches pages of the licensed-business dataset.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewClient creates an upstream client.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     slog.Default().With("component", "source"),
	}
}

// PageSize is the page-size ceiling; a shorter page is the last one.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

type envelope struct {
	Result struct {
		Header struct {
			Process struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"process"`
		} `json:"header"`
		Body struct {
			Rows []struct {
				Row []json.RawMessage `json:"row"`
			} `json:"rows"`
		} `json:"body"`
	} `json:"result"`
}

type item struct {
	ManagementNo string `json:"mgtNo"`
	Name         string `json:"bplcNm"`
	RoadAddress  string `json:"rdnWhlAddr"`
	LotAddress   string `json:"siteWhlAddr"`
	Category     string `json:"uptaeNm"`
	X            string `json:"x"`
	Y            string `json:"y"`
}

// FetchPage fetches one page of a partition.
func (c *Client) FetchPage(ctx context.Context, q domain.PageQuery) (domain.Page, error) {
	if q.PageSize <= 0 {
		q.PageSize = c.cfg.PageSize
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	params := url.Values{}
	params.Set("authKey", c.cfg.APIKey)
	params.Set("resultType", "json")
	params.Set("pageIndex", strconv.Itoa(q.Page))
	params.Set("pageSize", strconv.Itoa(q.PageSize))
	switch q.Partition.Kind {
	case domain.PartitionDate:
		params.Set("lastModTsBgn", q.Partition.Key)
		params.Set("lastModTsEnd", q.Partition.Key)
	default:
		params.Set("localCode", q.Partition.Key)
	}

	var env envelope
	if err := c.getJSON(ctx, "page", c.cfg.BaseURL+"?"+params.Encode(), &env); err != nil {
		return domain.Page{}, err
	}

	switch code := env.Result.Header.Process.Code; code {
	case codeOK, "":
	case codeNoData:
		return domain.Page{}, nil
	default:
		return domain.Page{}, fmt.Errorf("upstream error %s: %s", code, env.Result.Header.Process.Message)
	}

	now := time.Now().UTC()
	var page domain.Page
	for _, rows := range env.Result.Body.Rows {
		for _, raw := range rows.Row {
			page.Items++
			var it item
			if err := json.Unmarshal(raw, &it); err != nil {
				c.log.Warn("Skipping undecodable item", "partition", q.Partition.Key, "error", err)
				continue
			}
			page.Records = append(page.Records, domain.RawRecord{
				SourceID:    strings.TrimSpace(it.ManagementNo),
				Name:        it.Name,
				RoadAddress: it.RoadAddress,
				LotAddress:  it.LotAddress,
				Category:    it.Category,
				Latitude:    parseCoord(it.Y),
				Longitude:   parseCoord(it.X),
				Payload:     raw,
				FetchedAt:   now,
			})
		}
	}
	return page, nil
}

// getJSON issues a rate-limited GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, kind, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	metrics.UpstreamLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.UpstreamRequests.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()
		return retry.NewStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.UpstreamRequests.WithLabelValues(kind, "decode_error").Inc()
		return fmt.Errorf("parse response: %w", err)
	}
	metrics.UpstreamRequests.WithLabelValues(kind, "ok").Inc()
	return nil
}

func parseCoord(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
