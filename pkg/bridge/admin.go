// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AdminState is a local user's position in the admin channel protocol.
type AdminState int

const (
	StateNoChannel AdminState = iota
	StateChannelOpen
	StateAwaitingToken
)

const (
	adminGreeting = "Hello! This is your Hangouts bridge control channel. " +
		"Commands are 'login', 'token:<token>' and 'list conversations'."
	adminHelp = "Sorry, I did not understand your message: " +
		"commands are 'login', 'token:' and 'list conversations'"
	adminNotLoggedIn     = "You are not logged in."
	adminLoginHowto      = "Please provide a Hangouts refresh token."
	adminLoginPrompt     = "Type 'token:' followed by the token to log in."
	adminLoginDone       = "Login successful. Type 'list conversations' to see your conversation list."
	adminLoginFailFmt    = "Login failed with error: %s"
	adminNoConversations = "No conversations found."
)

// AdminProtocol implements the per-user command channel used for login
// and conversation discovery.
type AdminProtocol struct {
	br  *Bridge
	log zerolog.Logger

	mu       sync.Mutex
	awaiting map[id.UserID]bool
}

func newAdminProtocol(br *Bridge) *AdminProtocol {
	return &AdminProtocol{
		br:       br,
		log:      br.Log.With().Str("component", "admin").Logger(),
		awaiting: make(map[id.UserID]bool),
	}
}

// State returns the user's current protocol state.
func (a *AdminProtocol) State(userID id.UserID) AdminState {
	if _, ok := a.br.Store.AdminRoom(userID); !ok {
		return StateNoChannel
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.awaiting[userID] {
		return StateAwaitingToken
	}
	return StateChannelOpen
}

func (a *AdminProtocol) setAwaiting(userID id.UserID, awaiting bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.awaiting[userID] = awaiting
}

// HandleInvite opens an admin channel for a direct 1:1 invite. A
// returning user re-inviting the bot just gets a fresh greeting in
// their existing channel.
func (a *AdminProtocol) HandleInvite(ctx context.Context, evt *event.Event) error {
	userID := evt.Sender
	if existing, ok := a.br.Store.AdminRoom(userID); ok {
		a.log.Debug().
			Str("user_id", userID.String()).
			Str("room_id", existing.String()).
			Msg("Re-invite from user with existing admin channel")
		return a.br.Matrix.SendText(ctx, "", existing, adminGreeting)
	}

	if err := a.br.Matrix.EnsureJoined(ctx, "", evt.RoomID); err != nil {
		return fmt.Errorf("failed to join admin channel: %w", err)
	}
	a.br.Store.PutAdminRoom(userID, evt.RoomID)
	if err := a.br.Store.Save(); err != nil {
		a.log.Err(err).Msg("Failed to persist admin channel")
	}
	a.log.Info().
		Str("user_id", userID.String()).
		Str("room_id", evt.RoomID.String()).
		Msg("Opened admin channel")
	return a.br.Matrix.SendText(ctx, "", evt.RoomID, adminGreeting)
}

// HandleMessage processes one command message in an open admin channel.
func (a *AdminProtocol) HandleMessage(ctx context.Context, evt *event.Event) error {
	if a.br.NS.IsBridgeUser(evt.Sender) {
		return nil
	}
	owner, ok := a.br.Store.AdminUser(evt.RoomID)
	if !ok || owner != evt.Sender {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}
	message := content.Body
	respond := func(text string) error {
		return a.br.Matrix.SendText(ctx, "", evt.RoomID, text)
	}

	switch {
	case strings.Contains(message, "list conversations"):
		return respond(a.listConversations(ctx, evt.Sender))

	case strings.HasPrefix(message, "token:"):
		token := strings.TrimSpace(strings.TrimPrefix(message, "token:"))
		a.setAwaiting(evt.Sender, false)
		sess, err := a.br.Sessions.StartSession(ctx, evt.Sender, token)
		if err != nil {
			a.log.Warn().Err(err).Str("user_id", evt.Sender.String()).Msg("Login failed")
			return respond(fmt.Sprintf(adminLoginFailFmt, err))
		}
		a.br.markSessionEchoSources(ctx, sess)
		return respond(adminLoginDone)

	case strings.Contains(message, "login"):
		a.setAwaiting(evt.Sender, true)
		if err := respond(adminLoginHowto); err != nil {
			return err
		}
		return respond(adminLoginPrompt)

	default:
		return respond(adminHelp)
	}
}

// listConversations enumerates the user's conversations as "name,
// alias" lines, using the provisioner's naming policy.
func (a *AdminProtocol) listConversations(ctx context.Context, userID id.UserID) string {
	sess := a.br.Sessions.Get(userID)
	if sess == nil {
		return adminNotLoggedIn
	}
	convs, err := sess.Client.List(ctx)
	if err != nil {
		return fmt.Sprintf("Failed to list conversations: %s", err)
	}
	if len(convs) == 0 {
		return adminNoConversations
	}
	var b strings.Builder
	for _, conv := range convs {
		fmt.Fprintf(&b, "%s, %s\n", conversationName(conv), a.br.NS.ConversationAlias(conv.ID))
	}
	return b.String()
}
