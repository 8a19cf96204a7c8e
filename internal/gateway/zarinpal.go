package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/great-orion/store/internal/config"
)

const (
	// codeOK 网关的成功返回码
	codeOK = 100
	// codeAlreadyVerified 交易此前已经校验过，依旧视为已支付
	codeAlreadyVerified = 101
)

// Client 基于 v4 JSON 协议的网关适配器实现
type Client struct {
	cfg      config.GatewayConfig
	currency string
	http     *http.Client
}

// NewClient 创建网关客户端，请求超时独立于订单待支付超时
func NewClient(cfg config.GatewayConfig, currency string) *Client {
	return &Client{
		cfg:      cfg,
		currency: currency,
		http: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

type requestPayload struct {
	MerchantID  string            `json:"merchant_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type verifyPayload struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Authority  string `json:"authority"`
}

type gatewayResponse struct {
	Data struct {
		Code      int    `json:"code"`
		Authority string `json:"authority"`
		RefID     int64  `json:"ref_id"`
		Message   string `json:"message"`
	} `json:"data"`
	Errors struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Initiate 在网关侧创建交易并返回跳转地址
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := requestPayload{
		MerchantID:  c.cfg.MerchantID,
		Amount:      req.Amount,
		Currency:    c.currency,
		Description: req.Description,
		CallbackURL: c.cfg.CallbackURL,
		Metadata: map[string]string{
			"order_id":        fmt.Sprintf("%d", req.OrderID),
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if req.Email != "" {
		payload.Metadata["email"] = req.Email
	}

	resp, err := c.post(ctx, c.cfg.RequestURL, payload)
	if err != nil {
		return nil, err
	}
	if resp.Data.Code != codeOK {
		code, msg := resp.Errors.Code, resp.Errors.Message
		if code == 0 {
			code, msg = resp.Data.Code, resp.Data.Message
		}
		return nil, &Error{Code: code, Message: msg}
	}
	if resp.Data.Authority == "" {
		return nil, fmt.Errorf("empty authority in response: %w", ErrUnavailable)
	}
	return &InitiateResult{
		Authority:   resp.Data.Authority,
		RedirectURL: c.RedirectURL(resp.Data.Authority),
	}, nil
}

// Verify 以网关为准校验交易是否真正支付。
// 返回结果要么明确 paid 要么明确未支付；拿不到明确结论时返回
// ErrUnavailable，由调用方稍后重试。
func (c *Client) Verify(ctx context.Context, authority string, amount int64) (*VerifyResult, error) {
	payload := verifyPayload{
		MerchantID: c.cfg.MerchantID,
		Amount:     amount,
		Authority:  authority,
	}

	resp, err := c.post(ctx, c.cfg.VerifyURL, payload)
	if err != nil {
		return nil, err
	}

	switch resp.Data.Code {
	case codeOK, codeAlreadyVerified:
		return &VerifyResult{
			Paid:   true,
			Amount: amount,
			RefID:  fmt.Sprintf("%d", resp.Data.RefID),
			Code:   resp.Data.Code,
		}, nil
	default:
		code := resp.Data.Code
		if code == 0 {
			code = resp.Errors.Code
		}
		return &VerifyResult{
			Paid: false,
			Code: code,
		}, nil
	}
}

// RedirectURL 拼接支付页地址
func (c *Client) RedirectURL(authority string) string {
	return c.cfg.StartPayURL + authority
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (*gatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %v: %w", err, ErrUnavailable)
	}

	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %v: %w", err, ErrUnavailable)
	}
	return &out, nil
}
