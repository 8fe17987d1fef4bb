// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hangouts/pkg/hangouts"
)

// sentText records one SendText call on the fake Matrix API.
type sentText struct {
	UserID id.UserID
	RoomID id.RoomID
	Text   string
}

// sentMessage records one SendMessage call on the fake Matrix API.
type sentMessage struct {
	UserID  id.UserID
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

// fakeMatrix implements MatrixAPI in memory and records every call for
// test assertions.
type fakeMatrix struct {
	botID id.UserID

	mu           sync.Mutex
	nextRoom     int
	CreatedRooms []*mautrix.ReqCreateRoom
	Registered   map[id.UserID]int
	Joined       map[id.UserID][]id.RoomID
	DisplayNames map[id.UserID]string
	AvatarSets   map[id.UserID]int
	Texts        []sentText
	Messages     []sentMessage
	Uploads      [][]byte
	Media        map[id.ContentURI][]byte

	SendTextErr error
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		botID:        id.NewUserID("hangoutsbot", "example.com"),
		Registered:   make(map[id.UserID]int),
		Joined:       make(map[id.UserID][]id.RoomID),
		DisplayNames: make(map[id.UserID]string),
		AvatarSets:   make(map[id.UserID]int),
		Media:        make(map[id.ContentURI][]byte),
	}
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func (f *fakeMatrix) BotUserID() id.UserID {
	return f.botID
}

func (f *fakeMatrix) EnsureRegistered(_ context.Context, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered[userID]++
	return nil
}

func (f *fakeMatrix) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRoom++
	f.CreatedRooms = append(f.CreatedRooms, req)
	return id.RoomID(fmt.Sprintf("!room%d:example.com", f.nextRoom)), nil
}

func (f *fakeMatrix) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	return "", mautrix.MNotFound
}

func (f *fakeMatrix) EnsureJoined(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Joined[userID] = append(f.Joined[userID], roomID)
	return nil
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisplayNames[userID] = name
	return nil
}

func (f *fakeMatrix) SetAvatarURL(_ context.Context, userID id.UserID, _ id.ContentURI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AvatarSets[userID]++
	return nil
}

func (f *fakeMatrix) UploadMedia(_ context.Context, _ id.UserID, data []byte, _ string) (id.ContentURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads = append(f.Uploads, data)
	uri := id.ContentURI{Homeserver: "example.com", FileID: fmt.Sprintf("file%d", len(f.Uploads))}
	f.Media[uri] = data
	return uri, nil
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Media[uri]
	if !ok {
		return nil, mautrix.MNotFound
	}
	return data, nil
}

func (f *fakeMatrix) SendText(_ context.Context, userID id.UserID, roomID id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendTextErr != nil {
		return f.SendTextErr
	}
	f.Texts = append(f.Texts, sentText{UserID: userID, RoomID: roomID, Text: text})
	return nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, userID id.UserID, roomID id.RoomID, content *event.MessageEventContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, sentMessage{UserID: userID, RoomID: roomID, Content: content})
	return nil
}

func (f *fakeMatrix) SendState(_ context.Context, _ id.UserID, _ id.RoomID, _ event.Type, _ string, _ any) error {
	return nil
}

// SentTexts returns a copy of the recorded SendText calls.
func (f *fakeMatrix) SentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentText, len(f.Texts))
	copy(cp, f.Texts)
	return cp
}

// sentChat records one outbound chat message on the fake client.
type sentChat struct {
	ConversationID string
	Text           string
	Filename       string
}

// fakeChatClient implements ChatClient in memory.
type fakeChatClient struct {
	selfID string

	mu         sync.Mutex
	convs      map[string]*hangouts.Conversation
	SentTexts  []sentChat
	SentImages []sentChat

	events       chan *hangouts.Event
	disconnected chan error
	closeOnce    sync.Once
	CloseCount   int
}

func newFakeChatClient(selfID string, convs ...*hangouts.Conversation) *fakeChatClient {
	c := &fakeChatClient{
		selfID:       selfID,
		convs:        make(map[string]*hangouts.Conversation),
		events:       make(chan *hangouts.Event, 16),
		disconnected: make(chan error, 1),
	}
	for _, conv := range convs {
		c.convs[conv.ID] = conv
	}
	return c
}

var _ ChatClient = (*fakeChatClient)(nil)

func (c *fakeChatClient) SelfID() string {
	return c.selfID
}

func (c *fakeChatClient) List(_ context.Context) ([]*hangouts.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*hangouts.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, conv)
	}
	return out, nil
}

func (c *fakeChatClient) Conversation(_ context.Context, convID string) (*hangouts.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[convID]
	if !ok {
		return nil, hangouts.ErrConversationNotFound
	}
	return conv, nil
}

func (c *fakeChatClient) SendText(_ context.Context, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SentTexts = append(c.SentTexts, sentChat{ConversationID: conversationID, Text: text})
	return nil
}

func (c *fakeChatClient) SendImage(_ context.Context, conversationID string, _ []byte, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SentImages = append(c.SentImages, sentChat{ConversationID: conversationID, Filename: filename})
	return nil
}

func (c *fakeChatClient) Events() <-chan *hangouts.Event {
	return c.events
}

func (c *fakeChatClient) Disconnected() <-chan error {
	return c.disconnected
}

func (c *fakeChatClient) Close() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
	c.mu.Lock()
	c.CloseCount++
	c.mu.Unlock()
}

// Drop simulates a dropped stream: the events channel closes and the
// error lands on the disconnected channel.
func (c *fakeChatClient) Drop(err error) {
	c.disconnected <- err
	c.closeOnce.Do(func() {
		close(c.events)
	})
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{
			Address: "http://localhost:8008",
			Domain:  "example.com",
		},
		Appservice: AppserviceConfig{
			ID:          "hangouts",
			Address:     "http://localhost:29320",
			Hostname:    "127.0.0.1",
			Port:        29320,
			BotUsername: "hangoutsbot",
			ASToken:     "as-secret",
			HSToken:     "hs-secret",
		},
		Bridge: BridgeConfig{
			UsernamePrefix:      "hangouts_",
			AliasPrefix:         "hangouts_",
			DisplaynameTemplate: "{{.Name}} (Hangouts)",
			ReconnectMaxBackoff: 1,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// staticConnector always hands out the given client.
func staticConnector(client ChatClient) ChatConnector {
	return func(context.Context, string) (ChatClient, error) {
		return client, nil
	}
}

// failingConnector always fails with the given error.
func failingConnector(err error) ChatConnector {
	return func(context.Context, string) (ChatClient, error) {
		return nil, err
	}
}

func newTestBridge(t *testing.T, connect ChatConnector) (*Bridge, *fakeMatrix) {
	t.Helper()
	fm := newFakeMatrix()
	br := New(newTestConfig(t), zerolog.Nop(), fm, connect)
	return br, fm
}

// loginTestUser opens a session for the user directly through the
// session manager.
func loginTestUser(t *testing.T, br *Bridge, userID id.UserID, client *fakeChatClient) *Session {
	t.Helper()
	br.Sessions.connect = staticConnector(client)
	sess, err := br.Sessions.StartSession(context.Background(), userID, "refresh-token")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sess
}

func textEvent(sender id.UserID, roomID id.RoomID, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		Sender: sender,
		RoomID: roomID,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func inviteEvent(sender id.UserID, roomID id.RoomID, target id.UserID, direct bool) *event.Event {
	stateKey := target.String()
	return &event.Event{
		Type:     event.StateMember,
		Sender:   sender,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content: event.Content{
			Parsed: &event.MemberEventContent{
				Membership: event.MembershipInvite,
				IsDirect:   direct,
			},
		},
	}
}
