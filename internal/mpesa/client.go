package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/metrics"
)

const (
	sandboxURL    = "https://sandbox.safaricom.co.ke"
	productionURL = "https://api.safaricom.co.ke"

	timestampLayout = "20060102150405"
)

// Callback paths served by this application, appended to CallbackBaseURL.
const (
	PathSTKCallback = "/api/v1/callbacks/mpesa/stk"
	PathB2CResult   = "/api/v1/callbacks/mpesa/b2c/result"
	PathB2CTimeout  = "/api/v1/callbacks/mpesa/b2c/timeout"
	PathB2BResult   = "/api/v1/callbacks/mpesa/b2b/result"
	PathB2BTimeout  = "/api/v1/callbacks/mpesa/b2b/timeout"
)

// BaseURLFor returns the Daraja host for an environment name.
func BaseURLFor(environment string) string {
	if strings.EqualFold(environment, "production") {
		return productionURL
	}
	return sandboxURL
}

// Config holds Daraja credentials and endpoints.
type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	PayoutShortCode    string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	// CallbackSecret is appended as ?secret= to every callback URL.
	CallbackSecret     string
	Timeout            time.Duration
}

// Client calls the Daraja API. It caches the OAuth token until shortly
// before it expires.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds a Daraja client.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sandboxURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
		now:     time.Now,
	}
}

// STKPushRequest asks the payer's handset to authorise a payment.
type STKPushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// STKPushResponse is the synchronous acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush initiates a Lipa Na M-Pesa Online request.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (STKPushResponse, error) {
	amount, err := wholeShillings("stk_push", req.Amount)
	if err != nil {
		return STKPushResponse{}, err
	}
	timestamp := c.now().In(eat).Format(timestampLayout)
	desc := req.Description
	if desc == "" {
		desc = "Fare " + req.AccountReference
	}
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.callbackURL(PathSTKCallback),
		AccountReference:  req.AccountReference,
		TransactionDesc:   desc,
	}

	var resp STKPushResponse
	if _, err := c.post(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return STKPushResponse{}, err
	}
	if resp.ResponseCode != "0" {
		return resp, &ProviderError{Operation: "stk_push", Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}
	return resp, nil
}

// PayoutRequest moves money out of the payout short code.
type PayoutRequest struct {
	OriginatorConversationID string
	Amount                   decimal.Decimal
	Phone                    string
	Paybill                  string
	AccountReference         string
	Remarks                  string
	Occasion                 string
}

// Acceptance is the provider acknowledging a payout for processing. The
// final outcome arrives on the result URL.
type Acceptance struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
	Raw                      []byte `json:"-"`
}

type b2cPayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID,omitempty"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

// B2C pays a mobile wallet.
func (c *Client) B2C(ctx context.Context, req PayoutRequest) (Acceptance, error) {
	amount, err := wholeShillings("b2c", req.Amount)
	if err != nil {
		return Acceptance{}, err
	}
	payload := b2cPayload{
		OriginatorConversationID: req.OriginatorConversationID,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                "BusinessPayment",
		Amount:                   amount,
		PartyA:                   c.cfg.PayoutShortCode,
		PartyB:                   req.Phone,
		Remarks:                  orDefault(req.Remarks, "Wallet withdrawal"),
		QueueTimeOutURL:          c.callbackURL(PathB2CTimeout),
		ResultURL:                c.callbackURL(PathB2CResult),
		Occasion:                 req.Occasion,
	}
	return c.payout(ctx, "b2c", "/mpesa/b2c/v1/paymentrequest", payload)
}

type b2bPayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID,omitempty"`
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	SenderIdentifierType     string `json:"SenderIdentifierType"`
	PartyB                   string `json:"PartyB"`
	RecieverIdentifierType   string `json:"RecieverIdentifierType"`
	AccountReference         string `json:"AccountReference"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
}

// B2B pays a bank through its paybill and the beneficiary account number.
func (c *Client) B2B(ctx context.Context, req PayoutRequest) (Acceptance, error) {
	amount, err := wholeShillings("b2b", req.Amount)
	if err != nil {
		return Acceptance{}, err
	}
	payload := b2bPayload{
		OriginatorConversationID: req.OriginatorConversationID,
		Initiator:                c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                "BusinessPayBill",
		Amount:                   amount,
		PartyA:                   c.cfg.PayoutShortCode,
		SenderIdentifierType:     "4",
		PartyB:                   req.Paybill,
		RecieverIdentifierType:   "4",
		AccountReference:         req.AccountReference,
		Remarks:                  orDefault(req.Remarks, "Wallet withdrawal"),
		QueueTimeOutURL:          c.callbackURL(PathB2BTimeout),
		ResultURL:                c.callbackURL(PathB2BResult),
	}
	return c.payout(ctx, "b2b", "/mpesa/b2b/v1/paymentrequest", payload)
}

func (c *Client) payout(ctx context.Context, op, path string, payload any) (Acceptance, error) {
	var resp Acceptance
	raw, err := c.post(ctx, op, path, payload, &resp)
	if err != nil {
		return Acceptance{}, err
	}
	resp.Raw = raw
	if resp.ResponseCode != "0" {
		return resp, &ProviderError{Operation: op, Code: resp.ResponseCode, Message: resp.ResponseDescription, Body: string(raw)}
	}
	if resp.ConversationID == "" {
		return resp, &ProviderError{Operation: op, Message: "acceptance without conversation id", Body: string(raw)}
	}
	return resp, nil
}

func (c *Client) callbackURL(path string) string {
	u := strings.TrimSuffix(c.cfg.CallbackBaseURL, "/") + path
	if c.cfg.CallbackSecret != "" {
		u += "?secret=" + url.QueryEscape(c.cfg.CallbackSecret)
	}
	return u
}

// Password derives the STK push password from short code, passkey and timestamp.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) post(ctx context.Context, op, path string, payload, out any) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	started := c.now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveProvider(op, started)
	if err != nil {
		return nil, &ProviderError{Operation: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Operation: op, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		return raw, statusError(op, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, &ProviderError{Operation: op, StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	return raw, nil
}

func statusError(op string, status int, raw []byte) error {
	var de darajaError
	_ = json.Unmarshal(raw, &de)
	return &ProviderError{
		Operation:  op,
		StatusCode: status,
		Code:       de.ErrorCode,
		Message:    de.ErrorMessage,
		Body:       string(raw),
		Retryable:  status >= 500 || status == http.StatusTooManyRequests || status == http.StatusUnauthorized,
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	started := c.now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveProvider("oauth", started)
	if err != nil {
		return "", &ProviderError{Operation: "oauth", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		perr := statusError("oauth", resp.StatusCode, raw).(*ProviderError)
		// Bad consumer credentials will not fix themselves.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			perr.Retryable = false
		}
		return "", perr
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.AccessToken == "" {
		return "", &ProviderError{Operation: "oauth", StatusCode: resp.StatusCode, Body: string(raw), Err: errors.New("missing access token")}
	}
	ttl := time.Hour
	if secs, err := strconv.Atoi(result.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = result.AccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

func wholeShillings(op string, amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() || !amount.IsInteger() {
		return 0, &ProviderError{Operation: op, Message: fmt.Sprintf("amount %s must be a positive whole number", amount)}
	}
	return amount.IntPart(), nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
