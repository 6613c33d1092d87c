// Package rest is the HTTP side of the chat API: conversation and message
// history, membership, and the fallback paths used when the socket is
// unavailable.
package rest

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

	"github.com/gridhq/gridclient/internal/auth"
	"github.com/gridhq/gridclient/internal/model"
	"go.uber.org/zap"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// Client talks to the chat REST API.
type Client struct {
	base   string
	auth   auth.Provider
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client for the given API base URL, without a
// trailing slash.
func NewClient(base string, ap auth.Provider, logger *zap.Logger) *Client {
	return &Client{
		base:   base,
		auth:   ap,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Conversations lists every conversation the user is a member of.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chat/channels/", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return out, nil
}

// Conversation fetches one conversation by id. Used to adopt conversations
// the client learns about mid-session.
func (c *Client) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chat/channels/"+id+"/", nil, &out); err != nil {
		return model.Conversation{}, fmt.Errorf("fetch conversation %s: %w", id, err)
	}
	return out, nil
}

// Messages fetches the message history of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.do(ctx, http.MethodGet, "/api/chat/channels/"+conversationID+"/messages/", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}
	return out, nil
}

// Members fetches the membership of a conversation.
func (c *Client) Members(ctx context.Context, conversationID string) ([]model.Member, error) {
	var out []model.Member
	if err := c.do(ctx, http.MethodGet, "/api/chat/channels/"+conversationID+"/members/", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch members for %s: %w", conversationID, err)
	}
	return out, nil
}

// Users fetches directory profiles by id. Used to resolve the peer of a
// direct conversation.
func (c *Client) Users(ctx context.Context, ids []string) ([]model.Profile, error) {
	var out []model.Profile
	path := "/api/users/?ids=" + url.QueryEscape(strings.Join(ids, ","))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	return out, nil
}

// CreateMessage posts a message over HTTP. The socket path is preferred;
// this covers sends while disconnected.
func (c *Client) CreateMessage(ctx context.Context, conversationID, content, parentID string) (model.Message, error) {
	body := map[string]string{"content": content}
	if parentID != "" {
		body["parent"] = parentID
	}
	var out model.Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/channels/"+conversationID+"/messages/", body, &out); err != nil {
		return model.Message{}, fmt.Errorf("create message in %s: %w", conversationID, err)
	}
	return out, nil
}

// UpdatePresence reports the local user's presence state: active,
// background, or offline.
func (c *Client) UpdatePresence(ctx context.Context, state string) error {
	body := map[string]string{"status": state}
	if err := c.do(ctx, http.MethodPost, "/api/chat/presence/", body, nil); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// MarkRead records the read position of a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID, lastReadMessageID string) error {
	body := map[string]string{}
	if lastReadMessageID != "" {
		body["last_read_message_id"] = lastReadMessageID
	}
	if err := c.do(ctx, http.MethodPost, "/api/chat/channels/"+conversationID+"/read/", body, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
