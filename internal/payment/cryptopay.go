package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrGateway 网关调用失败（网络、非 2xx、ok=false、发票不存在）
var ErrGateway = errors.New("payment gateway error")

// DefaultBaseURL Crypto Pay 主网地址
const DefaultBaseURL = "https://pay.crypt.bot/api"

// InvoiceStatus 发票状态
type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "pending"
	StatusPaid    InvoiceStatus = "paid"
	StatusExpired InvoiceStatus = "expired"
	StatusUnknown InvoiceStatus = "unknown"
)

// InvoiceRequest 创建发票参数
type InvoiceRequest struct {
	Amount         decimal.Decimal
	Asset          string
	Description    string
	HiddenMessage  string
	PaidButtonName string // viewItem / openChannel / openBot / callback
	PaidButtonURL  string
	Payload        string
	ExpiresIn      time.Duration
}

// Invoice 已创建的发票
type Invoice struct {
	ID     string
	PayURL string
}

// Config Crypto Pay 客户端配置
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// CryptoPay Crypto Pay API 客户端
type CryptoPay struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewCryptoPay 创建客户端
func NewCryptoPay(cfg Config, log *zap.Logger) *CryptoPay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CryptoPay{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log.Named("cryptopay"),
	}
}

type apiError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

type invoiceDTO struct {
	InvoiceID     json.Number `json:"invoice_id"`
	Status        string      `json:"status"`
	PayURL        string      `json:"pay_url"`
	BotInvoiceURL string      `json:"bot_invoice_url"`
}

type createInvoiceBody struct {
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	Description   string `json:"description,omitempty"`
	HiddenMessage string `json:"hidden_message,omitempty"`
	PaidBtnName   string `json:"paid_btn_name,omitempty"`
	PaidBtnURL    string `json:"paid_btn_url,omitempty"`
	Payload       string `json:"payload,omitempty"`
	ExpiresIn     int64  `json:"expires_in,omitempty"`
}

// CreateInvoice 创建发票，返回发票 ID 和支付链接
func (c *CryptoPay) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	body := createInvoiceBody{
		Asset:         req.Asset,
		Amount:        req.Amount.String(),
		Description:   req.Description,
		HiddenMessage: req.HiddenMessage,
		Payload:       req.Payload,
	}
	// paid_btn_name 与 paid_btn_url 必须同时提供
	if req.PaidButtonName != "" && req.PaidButtonURL != "" {
		body.PaidBtnName = req.PaidButtonName
		body.PaidBtnURL = req.PaidButtonURL
	}
	if req.ExpiresIn > 0 {
		body.ExpiresIn = int64(req.ExpiresIn / time.Second)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Invoice{}, fmt.Errorf("marshal invoice: %w", err)
	}

	var dto invoiceDTO
	if err := c.call(ctx, http.MethodPost, "createInvoice", nil, payload, &dto); err != nil {
		return Invoice{}, err
	}

	inv := Invoice{ID: dto.InvoiceID.String(), PayURL: dto.PayURL}
	if inv.PayURL == "" {
		inv.PayURL = dto.BotInvoiceURL
	}
	if inv.ID == "" || inv.PayURL == "" {
		return Invoice{}, fmt.Errorf("%w: createInvoice returned incomplete invoice", ErrGateway)
	}

	c.log.Info("invoice created",
		zap.String("invoice_id", inv.ID),
		zap.String("payload", req.Payload),
		zap.String("amount", body.Amount),
		zap.String("asset", req.Asset),
	)
	return inv, nil
}

// GetInvoiceStatus 查询发票状态
func (c *CryptoPay) GetInvoiceStatus(ctx context.Context, invoiceID string) (InvoiceStatus, error) {
	if _, err := strconv.ParseInt(invoiceID, 10, 64); err != nil {
		return StatusUnknown, fmt.Errorf("%w: invalid invoice id %q", ErrGateway, invoiceID)
	}

	query := url.Values{"invoice_ids": {invoiceID}}
	var result struct {
		Items []invoiceDTO `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, "getInvoices", query, nil, &result); err != nil {
		return StatusUnknown, err
	}
	if len(result.Items) == 0 {
		return StatusUnknown, fmt.Errorf("%w: invoice %s not found", ErrGateway, invoiceID)
	}
	return mapStatus(result.Items[0].Status), nil
}

// Ping 调用 getMe 验证令牌
func (c *CryptoPay) Ping(ctx context.Context) error {
	var me json.RawMessage
	return c.call(ctx, http.MethodGet, "getMe", nil, nil, &me)
}

func mapStatus(status string) InvoiceStatus {
	switch status {
	case "active":
		return StatusPending
	case "paid":
		return StatusPaid
	case "expired":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// call 发送请求并解析 {ok, result, error} 包装
func (c *CryptoPay) call(ctx context.Context, method, path string, query url.Values, payload []byte, out interface{}) error {
	endpoint := c.baseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrGateway, err)
	}
	req.Header.Set("Crypto-Pay-API-Token", c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGateway, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %w", ErrGateway, path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: status %d, invalid body", ErrGateway, path, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.OK {
		name := "unknown"
		if env.Error != nil {
			name = env.Error.Name
		}
		return fmt.Errorf("%w: %s: status %d: %s", ErrGateway, path, resp.StatusCode, name)
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", ErrGateway, path, err)
	}
	return nil
}
