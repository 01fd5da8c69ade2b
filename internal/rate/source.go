package rate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// HTTPSource получает курс из API вида /api/v3/simple/price?ids=<coin>&vs_currencies=<fiat>.
type HTTPSource struct {
	baseURL    string
	coinID     string
	fiat       string
	apiKey     string
	httpClient *retryablehttp.Client
}

// NewHTTPSource создаёт источник курса монеты coinID к фиатной валюте fiat.
func NewHTTPSource(baseURL, coinID, fiat, apiKey string, httpClient *retryablehttp.Client) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		coinID:     strings.ToLower(coinID),
		fiat:       strings.ToLower(fiat),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Pair возвращает пару, для которой источник отдаёт курс.
func (s *HTTPSource) Pair() (string, string) {
	return s.coinID, s.fiat
}

// FetchRate запрашивает текущий курс. Отсутствующее, нечисловое или неположительное значение считается ошибкой.
func (s *HTTPSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", s.coinID)
	q.Set("vs_currencies", s.fiat)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v3/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body map[string]map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	raw, ok := body[s.coinID][s.fiat]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no %s/%s price in response", ErrInvalidRate, s.coinID, s.fiat)
	}

	return parseRate(raw)
}

func parseRate(raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return decimal.Zero, fmt.Errorf("%w: empty price", ErrInvalidRate)
	}

	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidRate, text)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrInvalidRate, v)
	}
	return v, nil
}
