package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petervdpas/huddle/internal/proto"
)

// ErrNoCredentials is returned when a token must be renewed but the client
// never signed in.
var ErrNoCredentials = errors.New("hub: not signed in")

// refreshMargin renews a token this long before it expires.
const refreshMargin = 5 * time.Minute

// APIError is a non-2xx answer from the hub.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub: %d %s", e.Status, e.Message)
}

// Client talks to the hub's HTTP API. It keeps the credentials of the last
// successful sign-in so an expiring or rejected token can be renewed.
type Client struct {
	base string
	http *http.Client

	mu       sync.Mutex
	token    string
	expires  time.Time
	email    string
	password string

	renewMu sync.Mutex
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Base() string { return c.base }

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) SignUp(ctx context.Context, email, name, password string) (proto.Identity, error) {
	var id proto.Identity
	err := c.send(ctx, http.MethodPost, "/api/auth/signup", signUpRequest{Email: email, Name: name, Password: password}, &id)
	if err == nil {
		c.remember(id.Token, email, password)
	}
	return id, err
}

func (c *Client) SignIn(ctx context.Context, email, password string) (proto.Identity, error) {
	var id proto.Identity
	err := c.send(ctx, http.MethodPost, "/api/auth/signin", signInRequest{Email: email, Password: password}, &id)
	if err == nil {
		c.remember(id.Token, email, password)
	}
	return id, err
}

func (c *Client) remember(token, email, password string) {
	var exp time.Time
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	c.mu.Lock()
	c.token, c.expires = token, exp
	c.email, c.password = email, password
	c.mu.Unlock()
}

// BearerToken returns a token for a new connection. The token is renewed by
// signing in again when it is about to expire, or when stale reports that
// the hub rejected it.
func (c *Client) BearerToken(ctx context.Context, stale bool) (string, error) {
	c.mu.Lock()
	tok, exp := c.token, c.expires
	c.mu.Unlock()
	if !stale && tok != "" && (exp.IsZero() || time.Until(exp) > refreshMargin) {
		return tok, nil
	}
	return c.renew(ctx, tok)
}

// renew signs in again unless another caller already replaced old.
func (c *Client) renew(ctx context.Context, old string) (string, error) {
	c.renewMu.Lock()
	defer c.renewMu.Unlock()

	c.mu.Lock()
	tok, email, password := c.token, c.email, c.password
	c.mu.Unlock()
	if tok != old && tok != "" {
		return tok, nil
	}
	if email == "" {
		return "", ErrNoCredentials
	}
	if _, err := c.SignIn(ctx, email, password); err != nil {
		return "", fmt.Errorf("renew token: %w", err)
	}
	return c.Token(), nil
}

func (c *Client) Me(ctx context.Context) (proto.Identity, error) {
	var id proto.Identity
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &id)
	return id, err
}

// Upload asks for an upload slot and PUTs data into it, returning the
// storage locator of the stored object.
func (c *Client) Upload(ctx context.Context, contentType string, data []byte) (string, error) {
	var up proto.Upload
	if err := c.do(ctx, http.MethodPost, "/api/uploads", uploadRequest{ContentType: contentType}, &up); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, up.PutURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return up.Locator, nil
}

// Resolve turns a storage locator into a fetchable URL.
func (c *Client) Resolve(ctx context.Context, locator string) (string, error) {
	var out resolveResponse
	err := c.do(ctx, http.MethodGet, "/api/uploads/resolve?locator="+url.QueryEscape(locator), nil, &out)
	return out.URL, err
}

// do calls an authenticated endpoint. A 401 renews the token once and
// repeats the request.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	tok := c.Token()
	err := c.send(ctx, method, path, in, out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}
	if _, rerr := c.renew(ctx, tok); rerr != nil {
		return err
	}
	return c.send(ctx, method, path, in, out)
}

func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&eb)
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
