// Package clubkonnect реализует поставщика ClubKonnect: GET-запросы с параметрами в строке запроса.
package clubkonnect

import (
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
const Name = "clubkonnect"

var networkCodes = map[string]string{
	"mtn":     "01",
	"glo":     "02",
	"9mobile": "03",
	"airtel":  "04",
}

// planKeys сопоставляет оператора с ключом раздела в ответе со списком тарифов.
var planKeys = map[string]string{
	"mtn":     "MTN",
	"glo":     "Glo",
	"9mobile": "m_9mobile",
	"airtel":  "Airtel",
}

// Client обращается к API ClubKonnect.
type Client struct {
	baseURL    string
	userID     string
	apiKey     string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

// NewClient создаёт клиента ClubKonnect.
func NewClient(baseURL, userID, apiKey string, httpClient *retryablehttp.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

var _ provider.Provider = (*Client)(nil)

// Name возвращает имя поставщика.
func (c *Client) Name() string {
	return Name
}

type orderResponse struct {
	OrderID    string `json:"orderid"`
	StatusCode string `json:"statuscode"`
	Status     string `json:"status"`
	Remark     string `json:"remark"`
	Amount     string `json:"amountcharged"`
}

// PurchaseAirtime пополняет баланс телефона.
func (c *Client) PurchaseAirtime(ctx context.Context, req provider.AirtimeRequest) (*provider.Result, error) {
	code, ok := networkCodes[req.Network]
	if !ok {
		return provider.Failed(Name, fmt.Sprintf("unsupported network %q", req.Network), nil), nil
	}

	q := c.credentials()
	q.Set("MobileNetwork", code)
	q.Set("Amount", req.Amount.StringFixed(0))
	q.Set("MobileNumber", req.Phone)
	q.Set("RequestID", req.RequestID)

	return c.order(ctx, "/APIAirtimeV1.asp", q, req.RequestID)
}

// PurchaseData покупает пакет мобильного интернета.
func (c *Client) PurchaseData(ctx context.Context, req provider.DataRequest) (*provider.Result, error) {
	code, ok := networkCodes[req.Network]
	if !ok {
		return provider.Failed(Name, fmt.Sprintf("unsupported network %q", req.Network), nil), nil
	}

	q := c.credentials()
	q.Set("MobileNetwork", code)
	q.Set("DataPlan", req.PlanCode)
	q.Set("MobileNumber", req.Phone)
	q.Set("RequestID", req.RequestID)

	return c.order(ctx, "/APIDatabundleV1.asp", q, req.RequestID)
}

func (c *Client) order(ctx context.Context, path string, q url.Values, requestID string) (*provider.Result, error) {
	raw, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Failed(Name, "malformed provider response", raw), nil
	}

	if resp.StatusCode != "100" && resp.StatusCode != "200" {
		reason := resp.Status
		if resp.Remark != "" {
			reason = resp.Remark
		}
		if reason == "" {
			reason = "provider status " + resp.StatusCode
		}
		return provider.Failed(Name, reason, raw), nil
	}

	c.logger.Info("clubkonnect order accepted",
		zap.String("request_id", requestID),
		zap.String("order_id", resp.OrderID),
		zap.String("status", resp.Status))

	res := &provider.Result{
		Success:       true,
		Provider:      Name,
		TransactionID: resp.OrderID,
		RawResponse:   raw,
	}
	if charged, err := decimal.NewFromString(resp.Amount); err == nil {
		res.ChargedAmount = &charged
	}
	return res, nil
}

type plansResponse struct {
	MobileNetwork map[string][]struct {
		Products []struct {
			ID     string `json:"PRODUCT_ID"`
			Code   string `json:"PRODUCT_CODE"`
			Name   string `json:"PRODUCT_NAME"`
			Amount string `json:"PRODUCT_AMOUNT"`
		} `json:"PRODUCT"`
	} `json:"MOBILE_NETWORK"`
}

// ListDataPlans возвращает тарифы оператора.
func (c *Client) ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error) {
	key, ok := planKeys[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	q := url.Values{}
	q.Set("UserID", c.userID)

	raw, err := c.get(ctx, "/APIDatabundlePlansV2.asp", q)
	if err != nil {
		return nil, err
	}

	var resp plansResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	var plans []model.DataPlan
	for _, group := range resp.MobileNetwork[key] {
		for _, p := range group.Products {
			price, err := decimal.NewFromString(p.Amount)
			if err != nil {
				c.logger.Debug("skip plan with bad price",
					zap.String("plan", p.ID),
					zap.String("amount", p.Amount))
				continue
			}
			plans = append(plans, model.DataPlan{
				Code:     p.ID,
				Name:     p.Name,
				Network:  network,
				Price:    price,
				Provider: Name,
			})
		}
	}
	return plans, nil
}

func (c *Client) credentials() url.Values {
	q := url.Values{}
	q.Set("UserID", c.userID)
	q.Set("APIKey", c.apiKey)
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clubkonnect request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clubkonnect unexpected status: %d", resp.StatusCode)
	}
	return raw, nil
}
