package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const casesPath = "/api/cases"

type CaseFetcher interface {
	Fetch(ctx context.Context, etag string) ([]CaseRecord, string, bool, error)
}

type httpFetcher struct {
	url    string
	client *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) CaseFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpFetcher{
		url: strings.TrimRight(baseURL, "/") + casesPath,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (h *httpFetcher) Fetch(ctx context.Context, etag string) ([]CaseRecord, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, "", false, err
	}

	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		slog.Debug("upstream cases not modified", "etag", etag)
		return nil, etag, true, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", false, newStatusError("fetch cases", resp)
	}

	var result []CaseRecord
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", false, err
	}
	if result == nil {
		result = []CaseRecord{}
	}

	newETag := resp.Header.Get("ETag")
	slog.Debug("fetched cases from upstream", "count", len(result), "url", h.url, "status", resp.Status, "etag", newETag)

	return result, newETag, false, nil
}
