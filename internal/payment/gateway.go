package payment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrGatewayUnavailable = errors.New("payment: gateway unavailable")

// Gateway creates redirect-style payment requests and verifies the signed
// notifications the provider posts back.
type Gateway interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Verify(params map[string]string) bool
}

type CreateRequest struct {
	OrderNo string
	Amount  decimal.Decimal
	Subject string
	Method  string // provider type of the chosen payment method
}

type CreateResult struct {
	PayURL string
}

// Client talks to an epay-style provider: form POST signed with MD5 over the
// sorted parameter set, redirect URL back, signed async notification later.
type Client struct {
	APIURL    string
	PID       string
	Key       string
	NotifyURL string
	ReturnURL string
	SiteName  string
	HTTP      *http.Client
}

func NewClient(apiURL, pid, key, notifyURL, returnURL string) *Client {
	return &Client{
		APIURL:    apiURL,
		PID:       pid,
		Key:       key,
		NotifyURL: notifyURL,
		ReturnURL: returnURL,
		SiteName:  "storefront",
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Sign concatenates sorted non-empty params as k=v&... (sign and sign_type
// excluded), appends &key=SECRET and returns the md5 hex digest.
func (c *Client) Sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || k == "sign" || k == "sign_type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	sb.WriteString("&key=")
	sb.WriteString(c.Key)

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the signature over the received params and compares it
// case-insensitively against the sign field. False on any missing required
// field or mismatch. Callers must not mutate order state before this passes.
func (c *Client) Verify(params map[string]string) bool {
	if params["out_trade_no"] == "" || params["trade_no"] == "" || params["sign"] == "" {
		return false
	}
	want := c.Sign(params)
	return strings.EqualFold(want, params["sign"])
}

type createResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		PaymentURL string `json:"payment_url"`
	} `json:"data"`
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	params := map[string]string{
		"pid":          c.PID,
		"type":         req.Method,
		"out_trade_no": req.OrderNo,
		"notify_url":   c.NotifyURL,
		"return_url":   c.ReturnURL,
		"name":         req.Subject,
		"money":        req.Amount.StringFixed(2),
		"sitename":     c.SiteName,
		"device":       "pc",
	}
	params["sign"] = c.Sign(params)
	params["sign_type"] = "MD5"

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payment: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	var cr createResp
	if err := json.Unmarshal(body, &cr); err == nil && cr.Code != 0 {
		if cr.Code != 1 || cr.Data.PaymentURL == "" {
			return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, cr.Msg)
		}
		return &CreateResult{PayURL: cr.Data.PaymentURL}, nil
	}

	// Some providers answer with the redirect URL as plain text.
	u := strings.TrimSpace(string(body))
	if !strings.HasPrefix(u, "http") {
		return nil, fmt.Errorf("%w: unexpected response", ErrGatewayUnavailable)
	}
	return &CreateResult{PayURL: u}, nil
}
