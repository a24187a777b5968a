package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// interface guard ensures Client implements pay.Backend
var _ pay.Backend = &Client{}

// Client talks JSON over HTTP to the payment request store.
type Client struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
	clock     clock.Clock
}

func NewClient(config pay.Config, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		BaseURL:   strings.TrimRight(config.Backend.BaseURL, "/"),
		AuthToken: config.Backend.AuthToken,
		HTTP:      &http.Client{Timeout: config.BackendTimeout()},
		clock:     clk,
	}
}

func (c *Client) CreatePayment(ctx context.Context, req pay.CreatePaymentRequest) (pay.CreatePaymentResponse, error) {
	var res pay.CreatePaymentResponse
	hdr := http.Header{}
	hdr.Set("Idempotency-Key", uuid.NewString())
	err := c.do(ctx, http.MethodPost, "/payments", hdr, req, &res)
	return res, err
}

func (c *Client) GetPayment(ctx context.Context, id pay.PaymentID) (pay.PaymentRequest, error) {
	var p pay.PaymentRequest
	err := c.do(ctx, http.MethodGet, paymentPath(id, ""), nil, nil, &p)
	return p, err
}

func (c *Client) CheckStatus(ctx context.Context, id pay.PaymentID) (pay.PaymentRequest, error) {
	var p pay.PaymentRequest
	err := c.do(ctx, http.MethodPost, paymentPath(id, "/check"), nil, nil, &p)
	return p, err
}

type VerifyRequest struct {
	TransactionHash string `json:"transactionHash"`
}

func (c *Client) VerifyByHash(ctx context.Context, id pay.PaymentID, txHash string) (pay.PaymentRequest, error) {
	var p pay.PaymentRequest
	err := c.do(ctx, http.MethodPost, paymentPath(id, "/verify"), nil, VerifyRequest{txHash}, &p)
	return p, err
}

func (c *Client) GetRate(ctx context.Context, currency string) (pay.Rate, error) {
	var r pay.Rate
	err := c.do(ctx, http.MethodGet, "/rates/"+url.PathEscape(currency), nil, nil, &r)
	return r, err
}

func paymentPath(id pay.PaymentID, suffix string) string {
	return "/payments/" + url.PathEscape(string(id)) + suffix
}

// ErrorResponse is the error envelope shared with the web API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    pay.ErrorCode `json:"code"`
	Message string        `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, body any, out any) error {
	if err := c.checkSession(); err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return pay.NewErr(pay.BadRequest, "encoding request: %v", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return pay.NewErr(pay.BadRequest, "building request: %v", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return pay.NewErr(pay.TransportError, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pay.NewErr(pay.TransportError, "%s %s: reading response: %v", method, path, err)
	}

	if resp.StatusCode >= 300 {
		return errorFor(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return pay.NewErr(pay.UnknownError, "%s %s: decoding response: %v", method, path, err)
	}
	return nil
}

// checkSession fails locally when the bearer token is a JWT that has
// already expired. Opaque tokens are left for the backend to judge.
func (c *Client) checkSession() error {
	if c.AuthToken == "" || strings.Count(c.AuthToken, ".") != 2 {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AuthToken, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !c.clock.Now().Before(claims.ExpiresAt.Time) {
		return pay.NewErr(pay.Unauthorized, "session expired at %s", claims.ExpiresAt.Time.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func errorFor(status int, body []byte) error {
	var env ErrorResponse
	_ = json.Unmarshal(body, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pay.NewErr(pay.Unauthorized, "%s", msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		switch env.Error.Code {
		case pay.InvalidCurrencyNetwork, pay.AmountTooLow:
			return pay.NewErr(env.Error.Code, "%s", msg)
		}
		return pay.NewErr(pay.BadRequest, "%s", msg)
	case status == http.StatusNotFound:
		return pay.NewErr(pay.NotFound, "%s", msg)
	case status >= 500:
		return pay.NewErr(pay.TransportError, "%s", msg)
	}
	return pay.NewErr(pay.UnknownError, "%s", msg)
}
