// Package notify talks to the serving layer and to search engines after a
// place is published. Every call here is best effort.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/placepipe/internal/core/retry"
)

// RevalidateConfig configures the serving-layer hook.
type RevalidateConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Revalidator asks the serving layer to regenerate a pre-rendered page.
type Revalidator struct {
	cfg        RevalidateConfig
	httpClient *http.Client
}

// NewRevalidator creates the hook client. An empty URL disables it.
func NewRevalidator(cfg RevalidateConfig) *Revalidator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Revalidator{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// Enabled reports whether a URL is configured.
func (r *Revalidator) Enabled() bool {
	return r.cfg.URL != ""
}

// Revalidate POSTs {"slug": slug}.
func (r *Revalidator) Revalidate(ctx context.Context, slug string) error {
	if !r.Enabled() {
		return nil
	}
	headers := map[string]string{}
	if r.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + r.cfg.Token
	}
	err := postJSON(ctx, r.httpClient, r.cfg.URL, map[string]string{"slug": slug}, headers)
	if err != nil {
		return fmt.Errorf("revalidate %s: %w", slug, err)
	}
	return nil
}

// IndexNowConfig configures search-engine notification.
type IndexNowConfig struct {
	Host        string        `yaml:"host"`
	Key         string        `yaml:"key"`
	KeyLocation string        `yaml:"key_location"`
	Endpoints   []string      `yaml:"endpoints"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultIndexNowEndpoints are the public IndexNow receivers.
var DefaultIndexNowEndpoints = []string{
	"https://api.indexnow.org/indexnow",
	"https://www.bing.com/indexnow",
	"https://searchadvisor.naver.com/indexnow",
}

// IndexNow pushes changed URLs to search engines.
type IndexNow struct {
	cfg        IndexNowConfig
	httpClient *http.Client
	log        *slog.Logger
}

// NewIndexNow creates the client. An empty key disables it.
func NewIndexNow(cfg IndexNowConfig) *IndexNow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultIndexNowEndpoints
	}
	return &IndexNow{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        slog.Default().With("component", "indexnow"),
	}
}

// Enabled reports whether a key and host are configured.
func (n *IndexNow) Enabled() bool {
	return n.cfg.Key != "" && n.cfg.Host != ""
}

type indexNowBody struct {
	Host        string   `json:"host"`
	Key         string   `json:"key"`
	KeyLocation string   `json:"keyLocation,omitempty"`
	URLList     []string `json:"urlList"`
}

// Submit POSTs urls to every endpoint. Partial success is success; the
// error joins every failed endpoint and is nil when at least one accepted.
func (n *IndexNow) Submit(ctx context.Context, urls []string) error {
	if !n.Enabled() || len(urls) == 0 {
		return nil
	}
	body := indexNowBody{
		Host:        hostOnly(n.cfg.Host),
		Key:         n.cfg.Key,
		KeyLocation: n.cfg.KeyLocation,
		URLList:     urls,
	}

	var errs []error
	for _, endpoint := range n.cfg.Endpoints {
		if err := postJSON(ctx, n.httpClient, endpoint, body, nil); err != nil {
			n.log.Warn("IndexNow endpoint rejected submission", "endpoint", endpoint, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
		}
	}
	if len(errs) == len(n.cfg.Endpoints) {
		return errors.Join(errs...)
	}
	n.log.Info("IndexNow submitted", "urls", len(urls), "endpoints", len(n.cfg.Endpoints), "failed", len(errs))
	return nil
}

func hostOnly(h string) string {
	if u, err := url.Parse(h); err == nil && u.Host != "" {
		return u.Host
	}
	return h
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body any, headers map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.NewStatusError(resp)
	}
	return nil
}
