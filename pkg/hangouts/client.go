// Copyright 2024-2026 Aiku AI

// Package hangouts implements the client side of the external
// conversation service: refresh-token authentication, the conversation
// API, and a long-polled event stream delivered on a channel.
package hangouts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrConversationNotFound is returned when a conversation id does not
// resolve to anything the authenticated user can see.
var ErrConversationNotFound = errors.New("conversation not found")

// Config holds everything needed to open a session.
type Config struct {
	RefreshToken string
	Endpoints    Endpoints
	// HTTPClient is optional; a jar-backed client is built when nil.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is a single authenticated session. It is safe for concurrent
// use; conversation state is cached behind a lock and refreshed on
// demand.
type Client struct {
	http      *http.Client
	endpoints Endpoints
	log       zerolog.Logger

	selfID   string
	selfName string

	mu    sync.RWMutex
	convs map[string]*Conversation

	events       chan *Event
	disconnected chan error
	stopOnce     sync.Once
	stopChan     chan struct{}
	streamCtx    context.Context
	streamCancel context.CancelFunc
}

// Dial authenticates with the given refresh token, loads the self user
// and conversation list, and starts the event stream.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Jar: jar}
	}
	if cfg.Endpoints.APIBase == "" {
		cfg.Endpoints = DefaultEndpoints()
	}

	c := &Client{
		http:         httpClient,
		endpoints:    cfg.Endpoints,
		log:          cfg.Logger,
		convs:        make(map[string]*Conversation),
		events:       make(chan *Event, 64),
		disconnected: make(chan error, 1),
		stopChan:     make(chan struct{}),
	}
	c.streamCtx, c.streamCancel = context.WithCancel(context.Background())

	if err := c.authenticate(ctx, cfg.RefreshToken); err != nil {
		return nil, err
	}
	if err := c.fetchSelf(ctx); err != nil {
		return nil, err
	}
	if _, err := c.syncConversations(ctx); err != nil {
		return nil, err
	}

	go c.runStream()

	c.log.Info().
		Str("self_id", c.selfID).
		Int("conversations", len(c.convs)).
		Msg("Hangouts session established")
	return c, nil
}

// SelfID returns the authenticated user's id on the chat service.
func (c *Client) SelfID() string {
	return c.selfID
}

// Events is the stream of inbound chat messages. The channel is closed
// when the client is closed.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Disconnected delivers at most one error when the stream drops for any
// reason other than Close.
func (c *Client) Disconnected() <-chan error {
	return c.disconnected
}

// Close stops the stream. It is safe to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.streamCancel()
	})
}

// List returns the user's conversations, freshly synced, sorted by id
// for stable output.
func (c *Client) List(ctx context.Context) ([]*Conversation, error) {
	convs, err := c.syncConversations(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return convs, nil
}

// Conversation resolves a single conversation, hitting the service when
// the id is not cached.
func (c *Client) Conversation(ctx context.Context, id string) (*Conversation, error) {
	c.mu.RLock()
	conv, ok := c.convs[id]
	c.mu.RUnlock()
	if ok {
		return conv, nil
	}
	if _, err := c.syncConversations(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	conv, ok = c.convs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// SendText posts a chat message to a conversation.
func (c *Client) SendText(ctx context.Context, conversationID, text string) error {
	req := map[string]any{
		"conversation_id":     conversationID,
		"client_generated_id": uuid.NewString(),
		"text":                text,
	}
	return c.apiRequest(ctx, "conversations/sendchatmessage", req, nil)
}

// SendImage uploads image data and posts it to a conversation.
func (c *Client) SendImage(ctx context.Context, conversationID string, data []byte, filename string) error {
	var uploadResp struct {
		PhotoID string `json:"photo_id"`
	}
	err := c.apiRequest(ctx, "media/upload", map[string]any{
		"filename": filename,
		"data":     data,
	}, &uploadResp)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	req := map[string]any{
		"conversation_id":     conversationID,
		"client_generated_id": uuid.NewString(),
		"photo_id":            uploadResp.PhotoID,
	}
	return c.apiRequest(ctx, "conversations/sendchatmessage", req, nil)
}

func (c *Client) fetchSelf(ctx context.Context) error {
	var resp struct {
		SelfUser User `json:"self_user"`
	}
	if err := c.apiRequest(ctx, "users/getselfinfo", map[string]any{}, &resp); err != nil {
		return fmt.Errorf("failed to get self info: %w", err)
	}
	c.selfID = resp.SelfUser.ID
	c.selfName = resp.SelfUser.Name
	return nil
}

func (c *Client) syncConversations(ctx context.Context) ([]*Conversation, error) {
	var resp struct {
		Conversations []*Conversation `json:"conversations"`
	}
	err := c.apiRequest(ctx, "conversations/syncrecentconversations", map[string]any{}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to sync conversations: %w", err)
	}

	c.mu.Lock()
	for _, conv := range resp.Conversations {
		// Mark the self participant so naming decisions don't need the
		// caller to compare ids.
		for i := range conv.Participants {
			if conv.Participants[i].ID == c.selfID {
				conv.Participants[i].IsSelf = true
			}
		}
		c.convs[conv.ID] = conv
	}
	c.mu.Unlock()
	return resp.Conversations, nil
}

// apiRequest posts a JSON request to the chat API and decodes the
// response into out when out is non-nil.
func (c *Client) apiRequest(ctx context.Context, method string, reqBody any, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.APIBase+"/"+method+"?alt=json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", method, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Message: fmt.Sprintf("%s returned HTTP %d", method, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	if out != nil {
		if err = json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: failed to parse response: %w", method, err)
		}
	}
	return nil
}
