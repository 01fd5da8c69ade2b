// Package gateway предоставляет клиент внешнего платёжного шлюза криптовалютных платежей.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRejected возвращается, если шлюз отклонил запрос ответом 4xx.
var ErrRejected = errors.New("payment gateway rejected request")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	apiKey     string
	secret     string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

// CreatePaymentRequest описывает параметры создаваемого во шлюзе платежа.
type CreatePaymentRequest struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CallbackURL   string
	ReturnURL     string
	ExpiryMinutes int
}

// Payment описывает платёж на стороне шлюза.
type Payment struct {
	ID            string          `json:"id"`
	Reference     string          `json:"tx_id"`
	Address       string          `json:"address"`
	QRCodeURL     string          `json:"qr_code"`
	PaymentLink   string          `json:"invoice_url"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Confirmations int             `json:"confirmations"`
	TxHash        string          `json:"block_hash"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient создаёт клиент шлюза. httpClient отвечает за повторы запросов.
func NewClient(baseURL, apiKey, secret string, httpClient *retryablehttp.Client, logger *zap.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		secret:     secret,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreatePayment создаёт платёж во шлюзе и возвращает адрес для оплаты.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment gateway not configured")
	}

	params := map[string]string{
		"tx_id":        req.Reference,
		"amount":       req.Amount.StringFixed(8),
		"currency":     req.Currency,
		"description":  req.Description,
		"callback_url": req.CallbackURL,
		"return_url":   req.ReturnURL,
		"expire_min":   strconv.Itoa(req.ExpiryMinutes),
	}

	body := make(map[string]string, len(params)+2)
	for k, v := range params {
		body[k] = v
	}
	body["api_key"] = c.apiKey
	body["sign"] = Sign(c.secret, params)

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/payments", raw)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	p, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create payment %s: %w", req.Reference, err)
	}
	if p.Reference == "" {
		p.Reference = req.Reference
	}
	if p.Address == "" {
		return nil, fmt.Errorf("create payment %s: gateway returned no address", req.Reference)
	}

	c.logger.Info("gateway payment created",
		zap.String("reference", req.Reference),
		zap.String("gateway_id", p.ID))

	return p, nil
}

// GetPayment запрашивает состояние платежа. forceRefresh просит шлюз перечитать состояние из сети.
func (c *Client) GetPayment(ctx context.Context, reference string, forceRefresh bool) (*Payment, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment gateway not configured")
	}

	params := map[string]string{"tx_id": reference}
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("sign", Sign(c.secret, params))
	if forceRefresh {
		q.Set("refresh", "1")
	}

	u := fmt.Sprintf("%s/api/v1/payments/%s?%s", c.baseURL, url.PathEscape(reference), q.Encode())

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	p, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", reference, err)
	}
	return p, nil
}

func (c *Client) do(req *retryablehttp.Request) (*Payment, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	_ = json.Unmarshal(data, &env)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, env.Message)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if env.Status != "" && env.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, env.Message)
	}

	var p Payment
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	return &p, nil
}
