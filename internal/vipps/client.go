// Package vipps implements payment.Provider on top of the Vipps MobilePay
// ePayment and Userinfo APIs.
package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/payment"
)

const (
	systemName = "eventkart"

	// tokenLeeway renews the access token before it actually expires.
	tokenLeeway = 30 * time.Second

	profileScope = "name email phoneNumber address"
)

var _ payment.Provider = (*Client)(nil)

// Config holds API credentials.
type Config struct {
	BaseURL              string
	ClientID             string
	ClientSecret         string
	SubscriptionKey      string
	MerchantSerialNumber string
	Timeout              time.Duration
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vipps %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the Vipps API. Safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New creates a Client. BaseURL must be absolute.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse vipps base url")
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("vipps base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		baseURL: u,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}, nil
}

type amount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type paymentResponse struct {
	Reference string `json:"reference"`
	State     string `json:"state"`
	Amount    amount `json:"amount"`
	Aggregate struct {
		AuthorizedAmount amount `json:"authorizedAmount"`
		CapturedAmount   amount `json:"capturedAmount"`
	} `json:"aggregate"`
	Profile *struct {
		Sub string `json:"sub"`
	} `json:"profile"`
}

type userinfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	PhoneNumber   string `json:"phone_number"`
	Address       *struct {
		StreetAddress string `json:"street_address"`
		PostalCode    string `json:"postal_code"`
		Region        string `json:"region"`
		Country       string `json:"country"`
	} `json:"address"`
}

// GetPaymentDetails fetches payment state and, when the payer shared a
// profile, their userinfo.
func (c *Client) GetPaymentDetails(ctx context.Context, reference string) (*payment.Details, error) {
	var resp paymentResponse
	if err := c.do(ctx, "get payment", http.MethodGet, c.endpoint("epayment/v1/payments", reference), nil, nil, &resp); err != nil {
		return nil, err
	}

	d := &payment.Details{
		Reference:        reference,
		State:            payment.State(resp.State),
		AuthorizedAmount: resp.Aggregate.AuthorizedAmount.Value,
		Currency:         resp.Aggregate.AuthorizedAmount.Currency,
	}
	if d.Currency == "" {
		d.Currency = resp.Amount.Currency
	}
	if resp.Profile == nil || resp.Profile.Sub == "" {
		return d, nil
	}

	var info userinfoResponse
	if err := c.do(ctx, "get userinfo", http.MethodGet, c.endpoint("vipps-userinfo-api/userinfo", resp.Profile.Sub), nil, nil, &info); err != nil {
		return nil, err
	}
	d.Profile = &payment.Profile{
		Sub:           resp.Profile.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		Phone:         info.PhoneNumber,
	}
	if a := info.Address; a != nil {
		d.Shipping = &payment.Address{
			Street:     a.StreetAddress,
			PostalCode: a.PostalCode,
			City:       a.Region,
			Country:    a.Country,
		}
	}
	return d, nil
}

type createPaymentRequest struct {
	Amount        amount `json:"amount"`
	PaymentMethod struct {
		Type string `json:"type"`
	} `json:"paymentMethod"`
	Customer *struct {
		PhoneNumber string `json:"phoneNumber"`
	} `json:"customer,omitempty"`
	Profile struct {
		Scope string `json:"scope"`
	} `json:"profile"`
	Reference          string `json:"reference"`
	ReturnURL          string `json:"returnUrl"`
	UserFlow           string `json:"userFlow"`
	PaymentDescription string `json:"paymentDescription"`
}

type createPaymentResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl"`
}

// CreatePayment starts a WEB_REDIRECT payment. The reference doubles as the
// idempotency key so retried calls never create a second payment.
func (c *Client) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.CreateResult, error) {
	body := createPaymentRequest{
		Amount:             amount{Currency: req.Currency, Value: req.Amount},
		Reference:          req.Reference,
		ReturnURL:          returnURL(req.ReturnURL, req.Reference),
		UserFlow:           "WEB_REDIRECT",
		PaymentDescription: req.Description,
	}
	body.PaymentMethod.Type = "WALLET"
	body.Profile.Scope = profileScope
	if req.Phone != "" {
		body.Customer = &struct {
			PhoneNumber string `json:"phoneNumber"`
		}{PhoneNumber: req.Phone}
	}

	header := http.Header{}
	header.Set("Idempotency-Key", req.Reference)

	var resp createPaymentResponse
	if err := c.do(ctx, "create payment", http.MethodPost, c.endpoint("epayment/v1/payments"), header, body, &resp); err != nil {
		return nil, err
	}
	if resp.Reference == "" {
		resp.Reference = req.Reference
	}
	return &payment.CreateResult{Reference: resp.Reference, RedirectURL: resp.RedirectURL}, nil
}

func returnURL(base, reference string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("reference", reference)
	u.RawQuery = q.Encode()
	return u.String()
}

type tokenResponse struct {
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
	AccessToken string      `json:"access_token"`
}

// accessToken returns a cached token, fetching a new one when it is about
// to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("accesstoken/get"), nil)
	if err != nil {
		return "", errors.Wrap(err, "create token request")
	}
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("client_secret", c.cfg.ClientSecret)
	c.setCommonHeaders(req)

	var resp tokenResponse
	if err := c.send(req, "get access token", &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.New("vipps returned an empty access token")
	}

	ttl, err := strconv.ParseInt(resp.ExpiresIn.String(), 10, 64)
	if err != nil {
		ttl = 0
	}
	c.token = resp.AccessToken
	c.expires = c.now().Add(time.Duration(ttl)*time.Second - tokenLeeway)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, header http.Header, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", op)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return errors.Wrapf(err, "create %s request", op)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setCommonHeaders(req)

	err = c.send(req, op, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.resetToken()
	}
	return err
}

func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, op)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		zctx.From(req.Context()).Warn("Vipps request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data),
		)
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode %s response", op)
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.cfg.MerchantSerialNumber)
	req.Header.Set("Vipps-System-Name", systemName)
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u.String()
}
