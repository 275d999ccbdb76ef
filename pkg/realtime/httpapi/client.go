// Package httpapi implements the realtime.Backend surface over the
// platform's REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/realtime"
)

// ErrRequestFailed wraps non-2xx responses; callers that roll optimistic
// state back only need to know the request was rejected.
var ErrRequestFailed = errors.New("request failed")

type Config struct {
	BaseURL string
	Token   string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "parse base URL")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debug().Str("component", "httpapi").Str("path", path).Int("status", resp.StatusCode).Msg("request rejected")
		return errors.Wrapf(ErrRequestFailed, "%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func (c *Client) NotificationHistory(ctx context.Context) ([]realtime.Notification, error) {
	var out []realtime.Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/notifications/%d/read", id), nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

func (c *Client) RespondFriendRequest(ctx context.Context, requestID int64, accept bool) error {
	action := "decline"
	if accept {
		action = "accept"
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/friend-requests/%d/%s", requestID, action), nil, nil)
}

func (c *Client) Friends(ctx context.Context) ([]realtime.Friend, error) {
	var out []realtime.Friend
	if err := c.do(ctx, http.MethodGet, "/api/friends", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Groups(ctx context.Context) ([]realtime.Group, error) {
	var out []realtime.Group
	if err := c.do(ctx, http.MethodGet, "/api/groups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GroupHistory(ctx context.Context, groupID string) ([]realtime.Message, error) {
	var out []realtime.Message
	path := fmt.Sprintf("/api/groups/%s/messages", url.PathEscape(groupID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DirectHistory(ctx context.Context, counterpart realtime.Identity) ([]realtime.Message, error) {
	var out []realtime.Message
	path := fmt.Sprintf("/api/messages/direct/%s", url.PathEscape(string(counterpart)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type sendMessageBody struct {
	Body string `json:"body"`
}

func (c *Client) SendGroupMessage(ctx context.Context, groupID, body string) error {
	path := fmt.Sprintf("/api/groups/%s/messages", url.PathEscape(groupID))
	return c.do(ctx, http.MethodPost, path, sendMessageBody{Body: body}, nil)
}

func (c *Client) SendDirectMessage(ctx context.Context, to realtime.Identity, body string) error {
	path := fmt.Sprintf("/api/messages/direct/%s", url.PathEscape(string(to)))
	return c.do(ctx, http.MethodPost, path, sendMessageBody{Body: body}, nil)
}

func (c *Client) EditMessage(ctx context.Context, id int64, body string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/messages/%d", id), sendMessageBody{Body: body}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/messages/%d", id), nil, nil)
}

var _ realtime.Backend = (*Client)(nil)
