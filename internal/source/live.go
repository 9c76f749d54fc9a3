package source

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xdrforward/internal/mapping"
	"xdrforward/internal/normalize"
)

const (
	apiPrefix          = "/public_api/v1"
	alertsPath         = "/alerts/get_alerts"
	incidentsPath      = "/incidents/get_incidents"
	defaultPageSize    = 100
	defaultHTTPTimeout = 60 * time.Second
	errorBodyLimit     = 2048
)

// LiveConfig holds upstream API connectivity settings.
// Params: base URL or FQDN, API key/id, page size, request timeout, TLS verification flag.
// Returns: live client settings.
type LiveConfig struct {
	BaseURL   string
	APIKey    string
	APIKeyID  string
	PageSize  int
	Timeout   time.Duration
	VerifyTLS bool
	UserAgent string
}

// LiveClient polls the Cortex XDR public API with paginated POST requests.
type LiveClient struct {
	baseURL   string
	apiKey    string
	apiKeyID  string
	userAgent string
	pageSize  int
	client    *http.Client
	logger    *slog.Logger
}

type searchRequest struct {
	RequestData searchRequestData `json:"request_data"`
}

type searchRequestData struct {
	SearchFrom int            `json:"search_from"`
	SearchTo   int            `json:"search_to"`
	Filters    []searchFilter `json:"filters"`
	Sort       searchSort     `json:"sort"`
}

type searchFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    int64  `json:"value"`
}

type searchSort struct {
	Field   string `json:"field"`
	Keyword string `json:"keyword"`
}

type searchResponse struct {
	Reply struct {
		Alerts    []json.RawMessage `json:"alerts"`
		Incidents []json.RawMessage `json:"incidents"`
	} `json:"reply"`
}

// NewLiveClient builds an API client.
// Params: cfg connectivity settings; logger receives per-event parse warnings.
// Returns: client or validation error.
func NewLiveClient(cfg LiveConfig, logger *slog.Logger) (*LiveClient, error) {
	baseURL, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(cfg.APIKeyID) == "" {
		return nil, fmt.Errorf("api key id is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &LiveClient{
		baseURL:   baseURL,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		apiKeyID:  strings.TrimSpace(cfg.APIKeyID),
		userAgent: cfg.UserAgent,
		pageSize:  pageSize,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
	}, nil
}

// FetchAlertsSince fetches all alerts created at or after cursor.
// Params: ctx request lifecycle; cursor epoch milliseconds.
// Returns: concatenated pages or *FetchError.
func (c *LiveClient) FetchAlertsSince(ctx context.Context, cursor int64) ([]mapping.RawEvent, error) {
	return c.fetchPaged(ctx, KindAlerts, alertsPath, cursor)
}

// FetchIncidentsSince fetches all incidents created at or after cursor.
// Params: ctx request lifecycle; cursor epoch milliseconds.
// Returns: concatenated pages or *FetchError.
func (c *LiveClient) FetchIncidentsSince(ctx context.Context, cursor int64) ([]mapping.RawEvent, error) {
	return c.fetchPaged(ctx, KindIncidents, incidentsPath, cursor)
}

// fetchPaged requests pages until the first short page.
func (c *LiveClient) fetchPaged(ctx context.Context, kind Kind, path string, cursor int64) ([]mapping.RawEvent, error) {
	out := make([]mapping.RawEvent, 0)
	from := 0
	for page := 0; ; page++ {
		items, err := c.fetchPage(ctx, kind, path, cursor, from)
		if err != nil {
			return nil, &FetchError{Kind: kind, Page: page, Err: err}
		}

		out = append(out, c.decodeItems(kind, page, items)...)
		if len(items) < c.pageSize {
			return out, nil
		}
		from += c.pageSize
	}
}

// fetchPage issues one search request.
func (c *LiveClient) fetchPage(
	ctx context.Context,
	kind Kind,
	path string,
	cursor int64,
	from int,
) ([]json.RawMessage, error) {
	body, err := json.Marshal(searchRequest{
		RequestData: searchRequestData{
			SearchFrom: from,
			SearchTo:   from + c.pageSize,
			Filters: []searchFilter{{
				Field:    fieldCreationTime,
				Operator: "gte",
				Value:    cursor,
			}},
			Sort: searchSort{Field: fieldCreationTime, Keyword: "asc"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("x-xdr-auth-id", c.apiKeyID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		text := strings.TrimSpace(string(snippet))
		if text == "" {
			return nil, fmt.Errorf("POST %s: unexpected status %s", url, resp.Status)
		}
		return nil, fmt.Errorf("POST %s: unexpected status %s: %s", url, resp.Status, text)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &normalize.ParseError{Input: "response body", Err: err}
	}
	if kind == KindIncidents {
		return decoded.Reply.Incidents, nil
	}
	return decoded.Reply.Alerts, nil
}

// decodeItems turns raw page items into events, skipping malformed ones.
func (c *LiveClient) decodeItems(kind Kind, page int, items []json.RawMessage) []mapping.RawEvent {
	out := make([]mapping.RawEvent, 0, len(items))
	for idx, item := range items {
		event, err := DecodeEvent(item)
		if err != nil {
			c.logger.Warn(
				"skipping malformed event",
				slog.String("kind", string(kind)),
				slog.Int("page", page),
				slog.Int("index", idx),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, event)
	}
	return out
}

// DecodeEvent decodes one JSON object preserving numbers as json.Number.
// Params: raw JSON bytes of one vendor event.
// Returns: event or *normalize.ParseError when the item is not an object or has a malformed creation_time.
func DecodeEvent(raw []byte) (mapping.RawEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var event map[string]any
	if err := decoder.Decode(&event); err != nil {
		return nil, &normalize.ParseError{Input: abbreviate(raw), Err: err}
	}
	if event == nil {
		return nil, &normalize.ParseError{Input: abbreviate(raw), Err: fmt.Errorf("event is not an object")}
	}
	if _, _, err := CreationTime(event); err != nil {
		return nil, err
	}
	return event, nil
}

func normalizeBaseURL(raw string) (string, error) {
	value := strings.TrimRight(strings.TrimSpace(raw), "/")
	if value == "" {
		return "", fmt.Errorf("base url is required")
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		value = "https://" + value
	}
	if !strings.HasSuffix(value, apiPrefix) {
		value += apiPrefix
	}
	return value, nil
}

func abbreviate(raw []byte) string {
	const limit = 128
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
