// Package vtpass реализует поставщика VTpass: JSON API с ключами в заголовках.
package vtpass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/provider"
)

// Name задаёт имя поставщика в конфигурации и в записях о выполнении.
const Name = "vtpass"

const (
	codeSuccess    = "000"
	codeProcessing = "099"
)

// serviceIDs сопоставляет оператора с идентификаторами услуг VTpass.
var serviceIDs = map[string]struct{ airtime, data string }{
	"mtn":     {airtime: "mtn", data: "mtn-data"},
	"glo":     {airtime: "glo", data: "glo-data"},
	"airtel":  {airtime: "airtel", data: "airtel-data"},
	"9mobile": {airtime: "etisalat", data: "etisalat-data"},
}

// Client обращается к API VTpass.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	publicKey  string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

// NewClient создаёт клиента VTpass.
func NewClient(baseURL, apiKey, secretKey, publicKey string, httpClient *retryablehttp.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		publicKey:  publicKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

var _ provider.Provider = (*Client)(nil)

// Name возвращает имя поставщика.
func (c *Client) Name() string {
	return Name
}

type payRequest struct {
	RequestID     string `json:"request_id"`
	ServiceID     string `json:"serviceID"`
	Amount        string `json:"amount"`
	Phone         string `json:"phone"`
	BillersCode   string `json:"billersCode,omitempty"`
	VariationCode string `json:"variation_code,omitempty"`
}

type payResponse struct {
	Code                string `json:"code"`
	ResponseDescription string `json:"response_description"`
	Content             struct {
		Transactions struct {
			Status        string           `json:"status"`
			TransactionID string           `json:"transactionId"`
			Commission    *decimal.Decimal `json:"commission"`
			TotalAmount   *decimal.Decimal `json:"total_amount"`
		} `json:"transactions"`
	} `json:"content"`
}

// PurchaseAirtime пополняет баланс телефона.
func (c *Client) PurchaseAirtime(ctx context.Context, req provider.AirtimeRequest) (*provider.Result, error) {
	ids, ok := serviceIDs[req.Network]
	if !ok {
		return provider.Failed(Name, fmt.Sprintf("unsupported network %q", req.Network), nil), nil
	}

	return c.pay(ctx, payRequest{
		RequestID: req.RequestID,
		ServiceID: ids.airtime,
		Amount:    req.Amount.StringFixed(0),
		Phone:     req.Phone,
	})
}

// PurchaseData покупает пакет мобильного интернета.
func (c *Client) PurchaseData(ctx context.Context, req provider.DataRequest) (*provider.Result, error) {
	ids, ok := serviceIDs[req.Network]
	if !ok {
		return provider.Failed(Name, fmt.Sprintf("unsupported network %q", req.Network), nil), nil
	}

	return c.pay(ctx, payRequest{
		RequestID:     req.RequestID,
		ServiceID:     ids.data,
		Amount:        req.Amount.StringFixed(0),
		Phone:         req.Phone,
		BillersCode:   req.Phone,
		VariationCode: req.PlanCode,
	})
}

func (c *Client) pay(ctx context.Context, body payRequest) (*provider.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal pay request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pay", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("secret-key", c.secretKey)

	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp payResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Failed(Name, "malformed provider response", raw), nil
	}

	if resp.Code != codeSuccess && resp.Code != codeProcessing {
		reason := resp.ResponseDescription
		if reason == "" {
			reason = "provider code " + resp.Code
		}
		return provider.Failed(Name, reason, raw), nil
	}

	tx := resp.Content.Transactions
	if strings.EqualFold(tx.Status, "failed") {
		return provider.Failed(Name, "transaction failed at provider", raw), nil
	}

	c.logger.Info("vtpass purchase accepted",
		zap.String("request_id", body.RequestID),
		zap.String("service_id", body.ServiceID),
		zap.String("code", resp.Code),
		zap.String("transaction_id", tx.TransactionID))

	return &provider.Result{
		Success:       true,
		Provider:      Name,
		TransactionID: tx.TransactionID,
		ChargedAmount: tx.TotalAmount,
		Commission:    tx.Commission,
		RawResponse:   raw,
	}, nil
}

type variation struct {
	Code   string          `json:"variation_code"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"variation_amount"`
}

type variationsResponse struct {
	ResponseDescription string `json:"response_description"`
	Content             struct {
		Variations []variation `json:"variations"`
		// API отдаёт список под ключом с опечаткой на части сервисов.
		Varations []variation `json:"varations"`
	} `json:"content"`
}

// ListDataPlans возвращает тарифы оператора.
func (c *Client) ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error) {
	ids, ok := serviceIDs[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	q := url.Values{}
	q.Set("serviceID", ids.data)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/service-variations?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("public-key", c.publicKey)

	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp variationsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode variations: %w", err)
	}

	items := resp.Content.Variations
	if len(items) == 0 {
		items = resp.Content.Varations
	}

	plans := make([]model.DataPlan, 0, len(items))
	for _, v := range items {
		plans = append(plans, model.DataPlan{
			Code:     v.Code,
			Name:     v.Name,
			Network:  network,
			Price:    v.Amount,
			Provider: Name,
		})
	}
	return plans, nil
}

func (c *Client) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vtpass request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vtpass unexpected status: %d", resp.StatusCode)
	}
	return raw, nil
}
