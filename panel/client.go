// Package panel is the gateway to the remote VPN panel. The panel is the
// system of record for actual traffic consumption; limits and expiry are
// owned locally and pushed here.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miladez1/mrzadmincr/errs"
)

// Gateway is the narrow interface the core depends on.
type Gateway interface {
	CreateRemoteUser(ctx context.Context, username string, params UserParams) (*RemoteUser, error)
	GetRemoteUser(ctx context.Context, username string) (*RemoteUser, error)
	UpdateRemoteUser(ctx context.Context, username string, params UserParams) (*RemoteUser, error)
	DeleteRemoteUser(ctx context.Context, username string) error
	ListRemoteUsers(ctx context.Context) ([]RemoteUser, error)
}

// UserParams carries the writable fields. All byte counts are raw bytes.
type UserParams struct {
	DataLimitBytes  uint64
	ExpiresAt       *time.Time
	ConnectionLimit uint32
}

// RemoteUser is the panel's view of a provisioned account.
type RemoteUser struct {
	Username        string     `json:"username"`
	DataLimit       uint64     `json:"data_limit"`
	UsedTraffic     uint64     `json:"used_traffic"`
	Expire          ExpireTime `json:"expire"`
	ConnectionLimit uint32     `json:"connection_limit"`
	SubscriptionURL string     `json:"subscription_url"`
	Status          string     `json:"status"`
}

// ExpireTime tolerates the panel reporting expiry as epoch seconds or as an
// ISO-8601 string. Zero means no expiry.
type ExpireTime struct {
	Time *time.Time
}

func (e *ExpireTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "0" || s == `""` {
		e.Time = nil
		return nil
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(epoch, 0).UTC()
		e.Time = &t
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return fmt.Errorf("unparseable expire value %q", str)
	}
	e.Time = &t
	return nil
}

func (e ExpireTime) MarshalJSON() ([]byte, error) {
	if e.Time == nil {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(e.Time.Unix(), 10)), nil
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type userPayload struct {
	DataLimit       uint64 `json:"data_limit"`
	Expire          int64  `json:"expire"`
	ConnectionLimit uint32 `json:"connection_limit"`
}

type usersResponse struct {
	Users []RemoteUser `json:"users"`
}

// Client implements Gateway against the panel's REST API. It owns its bearer
// token and re-authenticates transparently exactly once per call on an
// authorization failure.
type Client struct {
	baseURL  string
	username string
	password string

	httpClient *http.Client
	log        *zap.Logger

	mu    sync.Mutex
	token string
}

func NewClient(baseURL, username, password string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return errs.RemoteUnavailable(err, "panel login request failed")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.RemoteUnavailable(err, "panel unreachable during login")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errs.RemoteUnavailable(nil, "panel login rejected: %d - %s", resp.StatusCode, string(body))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return errs.RemoteUnavailable(err, "panel login response malformed")
	}
	if lr.AccessToken == "" {
		return errs.RemoteUnavailable(nil, "panel login returned no token")
	}

	c.mu.Lock()
	c.token = lr.AccessToken
	c.mu.Unlock()
	return nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do issues one request, logging in first if no token is held and retrying
// exactly once after a fresh login when the panel answers 401/403.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	if c.currentToken() == "" {
		if err := c.login(ctx); err != nil {
			return nil, 0, err
		}
	}

	body, status, err := c.issue(ctx, method, path, payload)
	if err != nil {
		return nil, 0, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.log.Debug("panel token rejected, re-authenticating", zap.String("path", path))
		if err := c.login(ctx); err != nil {
			return nil, 0, err
		}
		body, status, err = c.issue(ctx, method, path, payload)
		if err != nil {
			return nil, 0, err
		}
	}
	return body, status, nil
}

func (c *Client) issue(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, errs.RemoteUnavailable(err, "panel payload encoding failed")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, errs.RemoteUnavailable(err, "panel request construction failed")
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errs.RemoteUnavailable(err, "panel unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errs.RemoteUnavailable(err, "panel response unreadable")
	}
	return body, resp.StatusCode, nil
}

func payloadFor(params UserParams) userPayload {
	p := userPayload{
		DataLimit:       params.DataLimitBytes,
		ConnectionLimit: params.ConnectionLimit,
	}
	if params.ExpiresAt != nil {
		p.Expire = params.ExpiresAt.Unix()
	}
	return p
}

func (c *Client) CreateRemoteUser(ctx context.Context, username string, params UserParams) (*RemoteUser, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/user/"+url.PathEscape(username), payloadFor(params))
	if err != nil {
		return nil, err
	}
	return decodeUser(username, body, status)
}

func (c *Client) GetRemoteUser(ctx context.Context, username string) (*RemoteUser, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/user/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, err
	}
	return decodeUser(username, body, status)
}

func (c *Client) UpdateRemoteUser(ctx context.Context, username string, params UserParams) (*RemoteUser, error) {
	body, status, err := c.do(ctx, http.MethodPut, "/user/"+url.PathEscape(username), payloadFor(params))
	if err != nil {
		return nil, err
	}
	return decodeUser(username, body, status)
}

func (c *Client) DeleteRemoteUser(ctx context.Context, username string) error {
	body, status, err := c.do(ctx, http.MethodDelete, "/user/"+url.PathEscape(username), nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return errs.NotFound("remote user %q not found", username)
	default:
		return errs.RemoteUnavailable(nil, "panel error: %d - %s", status, string(body))
	}
}

func (c *Client) ListRemoteUsers(ctx context.Context) ([]RemoteUser, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.RemoteUnavailable(nil, "panel error: %d - %s", status, string(body))
	}
	var ur usersResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, errs.RemoteUnavailable(err, "panel user list malformed")
	}
	return ur.Users, nil
}

func decodeUser(username string, body []byte, status int) (*RemoteUser, error) {
	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return nil, errs.NotFound("remote user %q not found", username)
	default:
		return nil, errs.RemoteUnavailable(nil, "panel error: %d - %s", status, string(body))
	}
	var u RemoteUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, errs.RemoteUnavailable(err, "panel user response malformed")
	}
	if u.Username == "" {
		u.Username = username
	}
	return &u, nil
}
