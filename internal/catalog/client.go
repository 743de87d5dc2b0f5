// Package catalog syncs the remote product catalog and selects scoring candidates from it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/config"
	"cotamatch/internal/util"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *RateLimiter
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

type scrollPayload struct {
	Products []map[string]any `json:"products"`
	ScrollID *string          `json:"scrollId"`
	Total    *int             `json:"total"`
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:    cfg.CatalogAPIBaseURL,
		token:      cfg.CatalogAPIToken,
		httpClient: &http.Client{Timeout: time.Duration(cfg.CatalogTimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.CatalogRateLimitRPS),
	}
}

func (c *Client) GetProductsScrollAll(ctx context.Context) ([]internal.Product, error) {
	return c.getProductsScroll(ctx, map[string]string{})
}

// GetProductsUpdatedSince fetches only products changed after since.
func (c *Client) GetProductsUpdatedSince(ctx context.Context, since time.Time) ([]internal.Product, error) {
	return c.getProductsScroll(ctx, map[string]string{"updated_since": since.UTC().Format(time.RFC3339)})
}

func (c *Client) getProductsScroll(ctx context.Context, params map[string]string) ([]internal.Product, error) {
	all := make([]internal.Product, 0)
	seen := map[string]struct{}{}
	var scrollID string

	for {
		query := map[string]string{}
		for k, v := range params {
			query[k] = v
		}
		if scrollID != "" {
			query["scrollId"] = scrollID
		}

		body, err := c.fetchJSON(ctx, "product/scroll", query)
		if err != nil {
			return nil, err
		}

		var payload scrollPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, apperr.Dependency("catalog", fmt.Errorf("decode scroll page: %w", err))
		}

		for _, raw := range payload.Products {
			product, err := toProduct(raw)
			if err != nil {
				continue
			}
			all = append(all, product)
		}

		if payload.ScrollID == nil || *payload.ScrollID == "" || len(payload.Products) == 0 {
			break
		}
		if _, ok := seen[*payload.ScrollID]; ok {
			break
		}
		seen[*payload.ScrollID] = struct{}{}
		scrollID = *payload.ScrollID
	}

	return all, nil
}

func (c *Client) fetchJSON(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if strings.TrimSpace(c.token) == "" {
		return nil, apperr.Dependency("catalog", errors.New("missing CATALOG_API_TOKEN"))
	}

	baseURL := strings.TrimRight(c.baseURL, "/") + "/"
	u, err := url.Parse(baseURL + endpoint)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < 5 {
				backoff := time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				lastErr = fmt.Errorf("catalog status %d", resp.StatusCode)
				continue
			}
			return nil, apperr.Dependency("catalog", fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body)))
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, apperr.Dependency("catalog", err)
		}
		if !apiResp.Success {
			return nil, apperr.Dependency("catalog", fmt.Errorf("unsuccessful: %s %s", apiResp.Message, string(apiResp.Errors)))
		}
		return apiResp.Data, nil
	}

	if lastErr == nil {
		lastErr = errors.New("catalog request failed")
	}
	return nil, apperr.Dependency("catalog", lastErr)
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func toProduct(raw map[string]any) (internal.Product, error) {
	desc := firstString(raw, "description", "descricao", "header", "nome")
	if desc == nil {
		return internal.Product{}, errors.New("empty description")
	}

	id := toID(raw["id"])
	if id == "" {
		return internal.Product{}, errors.New("missing id")
	}

	rawJSON, _ := json.Marshal(raw)
	product := internal.Product{
		ID:          id,
		Description: *desc,
		Code:        firstString(raw, "code", "codigo", "articul"),
		Unit:        firstString(raw, "unit", "unidade", "unitHeader"),
		Price:       toDecimal(raw["price"]),
		RawJSON:     string(rawJSON),
	}
	if stock := toFloatPtr(raw["stock"]); stock != nil {
		product.Stock = *stock
	}
	return product, nil
}

func firstString(raw map[string]any, keys ...string) *string {
	for _, k := range keys {
		if s := toStringPtr(raw[k]); s != nil {
			return s
		}
	}
	return nil
}

func toID(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func toDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case string:
		d, err := decimal.NewFromString(strings.Replace(strings.TrimSpace(t), ",", ".", 1))
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func toFloatPtr(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	}
	return nil
}

func toStringPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return util.StringPtr(s)
}
