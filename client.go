// Package chatsync keeps a chat client's view of its rooms in sync with the
// backend. Messages are sent and paged through a durable HTTP API; a single
// websocket connection to the messaging gateway delivers live events
// (messages, typing, read receipts) which are merged into the same timeline.
//
// Example:
//
//	api := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	sess, _ := chatsync.NewSession(chatsync.Config{
//		GatewayURL: "wss://chat.example.com/ws",
//		Token:      token,
//		SelfID:     42,
//	}, api)
//	defer sess.Close()
//
//	sess.Connect(ctx)
//	room := sess.Rooms().Subscribe(7)
//	room.OnMessage(func(m chatsync.ChatMessage) { fmt.Println(m.Content) })
//	room.Join(ctx)
//	sess.Store().LoadHistory(ctx, 7, 1, 50)
package chatsync

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
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of MessageAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a durable API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the credential, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 && len(bytes.TrimSpace(data)) == 0 {
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do issues a request and unwraps the {ok, data, error} envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	res, err := decodeJSON[apiResult](data)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return &APIError{Code: "UNKNOWN", Message: "request was not successful"}
	}
	if out == nil {
		return nil
	}
	if err := res.decode(out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func roomPath(roomID int64, suffix string) string {
	return "/api/chat/rooms/" + strconv.FormatInt(roomID, 10) + suffix
}

// ============================================================================
// MessageAPI
// ============================================================================

// SendMessage persists a message and returns it with its backend id.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*ChatMessage, error) {
	var msg ChatMessage
	if err := c.do(ctx, "POST", roomPath(req.RoomID, "/messages"), req, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FetchHistory returns one page of a room's messages.
func (c *Client) FetchHistory(ctx context.Context, req HistoryRequest) ([]ChatMessage, error) {
	query := map[string]string{}
	if req.Page > 0 {
		query["page"] = strconv.Itoa(req.Page)
	}
	if req.PageSize > 0 {
		query["pageSize"] = strconv.Itoa(req.PageSize)
	}
	var msgs []ChatMessage
	if err := c.do(ctx, "GET", roomPath(req.RoomID, "/messages"), nil, query, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead acknowledges a message, or the whole room when MessageID is zero.
func (c *Client) MarkRead(ctx context.Context, req ReadRequest) error {
	return c.do(ctx, "POST", roomPath(req.RoomID, "/read"), req, nil, nil)
}
