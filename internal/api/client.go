// Package api is the REST client for the booking backend. The backend owns
// authentication and ticket persistence; this package only speaks its wire
// contract: JSON bodies, `detail` on 4xx rejections, bearer tokens or an
// ambient cookie session for authenticated calls.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"buslane.org/internal/apierr"
	"buslane.org/internal/identity"
	"buslane.org/internal/ids"
	"buslane.org/internal/obs"
	"buslane.org/internal/ticket"
)

const defaultTimeout = 10 * time.Second

// Client talks to the booking backend. Its cookie jar carries the ambient
// session set by login, so cookie-flow calls need no explicit credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	askLimiter *rate.Limiter
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient substitutes the transport; a cookie jar is attached if the
// given client has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout overrides the default per-request deadline applied when the
// caller's context carries none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAskLimit adjusts the chat rate limiter.
func WithAskLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.askLimiter = rate.NewLimiter(limit, burst)
	}
}

// New constructs a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api: empty base URL")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		timeout:    defaultTimeout,
		askLimiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("api: cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}
	return c, nil
}

type loginResponse struct {
	Message string         `json:"message"`
	Token   string         `json:"token"`
	User    map[string]any `json:"user"`
}

// Login authenticates with email/password. The backend both sets a session
// cookie (captured by the jar) and returns the token and user in the body.
func (c *Client) Login(ctx context.Context, email, password string) (identity.Identity, error) {
	var resp loginResponse
	err := c.do(ctx, "login", http.MethodPost, "/auth/login", "",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return identity.Identity{}, err
	}
	id := identity.FromMap(resp.User)
	if resp.Token != "" {
		id.Token = resp.Token
	}
	if !id.Valid() {
		return identity.Identity{}, fmt.Errorf("api: login response carried no usable user")
	}
	return id, nil
}

// Signup registers a new account. The caller logs in separately afterwards.
func (c *Client) Signup(ctx context.Context, name, email, password string) error {
	return c.do(ctx, "signup", http.MethodPost, "/auth/signup", "",
		map[string]string{"name": name, "email": email, "password": password}, nil)
}

// Me performs the who-am-I check. With a token it authenticates as bearer;
// without one it relies on the ambient cookie session.
func (c *Client) Me(ctx context.Context, token string) (identity.Identity, error) {
	var payload map[string]any
	if err := c.do(ctx, "me", http.MethodGet, "/auth/me", token, nil, &payload); err != nil {
		return identity.Identity{}, err
	}
	id := identity.FromMap(payload)
	if !id.Valid() {
		return identity.Identity{}, apierr.ErrUnauthorized
	}
	return id, nil
}

// Logout ends the ambient cookie session server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodPost, "/auth/logout", "", nil, nil)
}

type createResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// CreateTicket books a seat and returns the server-assigned ticket ID.
func (c *Client) CreateTicket(ctx context.Context, token string, t ticket.Ticket) (string, error) {
	body := map[string]any{
		"fullname":   t.Fullname,
		"phone":      t.Phone,
		"district":   t.District,
		"drop_point": t.DropPoint,
		"price":      t.Price,
	}
	var resp createResponse
	if err := c.do(ctx, "create_ticket", http.MethodPost, "/tickets/create", token, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// MyTickets fetches the caller's full booking list, in server order.
func (c *Client) MyTickets(ctx context.Context, token string) ([]ticket.Ticket, error) {
	var list []ticket.Ticket
	if err := c.do(ctx, "my_tickets", http.MethodGet, "/tickets/my", token, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteTicket removes one booking server-side.
func (c *Client) DeleteTicket(ctx context.Context, token, id string) error {
	return c.do(ctx, "delete_ticket", http.MethodDelete, "/tickets/delete/"+url.PathEscape(id), token, nil, nil)
}

type askResponse struct {
	Answer string `json:"answer"`
}

// Ask sends one question to the support assistant. Calls are rate limited
// so a chatty UI cannot hammer the endpoint.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	if err := c.askLimiter.Wait(ctx); err != nil {
		return "", err
	}
	var resp askResponse
	if err := c.do(ctx, "ask", http.MethodPost, "/chat/ask", "",
		map[string]string{"question": question}, &resp); err != nil {
		return "", err
	}
	return resp.Answer, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Request-ID", ids.New())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		obs.APIRequest(op, 0)
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()
	obs.APIRequest(op, resp.StatusCode)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api: decode %s response: %w", op, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("api: %s: %w", op, apierr.ErrUnauthorized)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &apierr.ValidationError{Status: resp.StatusCode, Detail: decodeDetail(resp.Body)}
	default:
		return fmt.Errorf("api: %s: unexpected status %d", op, resp.StatusCode)
	}
}

func decodeDetail(r io.Reader) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return ""
	}
	return payload.Detail
}
