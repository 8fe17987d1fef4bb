// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hangouts/pkg/hangouts"
)

// PuppetUser tracks the state of one external user's Matrix puppet.
// Display name is refreshed on every sync, the avatar only once unless
// a forced refresh is requested.
type PuppetUser struct {
	ExternalID  string
	UserID      id.UserID
	DisplayName string
	AvatarSet   bool
	registered  bool
}

// Provisioner creates and synchronizes rooms, puppets and memberships
// on demand, before any relay can happen.
type Provisioner struct {
	br *Bridge
	sf singleflight.Group

	mu      sync.Mutex
	puppets map[string]*PuppetUser
}

func newProvisioner(br *Bridge) *Provisioner {
	return &Provisioner{
		br:      br,
		puppets: make(map[string]*PuppetUser),
	}
}

// conversationName applies the naming policy: explicit title first,
// else the other participant's name for two-party conversations, else
// empty. The admin channel's conversation listing uses the same rule.
func conversationName(conv *hangouts.Conversation) string {
	if conv.Name != "" {
		return conv.Name
	}
	if len(conv.Participants) == 2 {
		for _, user := range conv.Participants {
			if !user.IsSelf {
				return user.Name
			}
		}
	}
	return ""
}

// EnsureRoom returns the mapping for a conversation, creating the room,
// the mapping and the puppet memberships when it does not exist yet.
// Concurrent calls for the same conversation collapse into one.
func (p *Provisioner) EnsureRoom(ctx context.Context, sess *Session, conversationID string) (*ConversationMapping, error) {
	v, err, _ := p.sf.Do(conversationID, func() (any, error) {
		return p.ensureRoom(ctx, sess, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ConversationMapping), nil
}

func (p *Provisioner) ensureRoom(ctx context.Context, sess *Session, conversationID string) (*ConversationMapping, error) {
	if m := p.br.Store.GetByConversation(conversationID); m != nil {
		return m, nil
	}

	conv, err := sess.Client.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	alias := p.br.NS.ConversationAlias(conversationID)
	p.br.Log.Info().
		Str("conversation_id", conversationID).
		Str("alias", alias.String()).
		Msg("Creating room for conversation")
	roomID, err := p.br.Matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:    "private",
		Preset:        "private_chat",
		RoomAliasName: p.br.NS.AliasLocalpart(conversationID),
		Name:          conversationName(conv),
		IsDirect:      len(conv.Participants) == 2,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	m := &ConversationMapping{
		RoomAlias:      alias,
		RoomID:         roomID,
		ConversationID: conversationID,
	}
	// The mapping goes in before any puppet work so a concurrent
	// attempt can only lose at this insert, not create a second
	// half-provisioned room graph.
	if err = p.br.Store.Insert(m); err != nil {
		if errors.Is(err, ErrMappingExists) {
			if existing := p.br.Store.GetByConversation(conversationID); existing != nil {
				p.br.Log.Warn().
					Str("conversation_id", conversationID).
					Str("orphan_room_id", roomID.String()).
					Msg("Lost provisioning race, orphan room left behind")
				return existing, nil
			}
		}
		return nil, err
	}
	if err = p.br.Store.Save(); err != nil {
		p.br.Log.Err(err).Msg("Failed to persist new mapping")
	}

	// The session owner's messages reach this room via their Matrix
	// identity, so their external identity is an echo source here.
	p.br.Relay.MarkEchoSource(roomID, sess.Client.SelfID())

	if err = p.SyncParticipants(ctx, sess, conv, roomID); err != nil {
		return nil, err
	}
	return m, nil
}

// SyncParticipants creates and joins puppets for every non-self
// participant of the conversation. Safe to call repeatedly.
func (p *Provisioner) SyncParticipants(ctx context.Context, sess *Session, conv *hangouts.Conversation, roomID id.RoomID) error {
	for _, user := range conv.Participants {
		if user.IsSelf || user.ID == sess.Client.SelfID() {
			continue
		}
		puppetID, err := p.EnsurePuppet(ctx, user, false)
		if err != nil {
			return fmt.Errorf("failed to sync puppet for %s: %w", user.ID, err)
		}
		if err = p.EnsureMembership(ctx, puppetID, roomID); err != nil {
			return fmt.Errorf("failed to join puppet %s: %w", puppetID, err)
		}
	}
	return nil
}

// EnsurePuppet registers the puppet account if needed, sets the display
// name unconditionally, and sets the avatar only when unset (or force).
func (p *Provisioner) EnsurePuppet(ctx context.Context, user hangouts.User, force bool) (id.UserID, error) {
	p.mu.Lock()
	puppet, ok := p.puppets[user.ID]
	if !ok {
		puppet = &PuppetUser{
			ExternalID: user.ID,
			UserID:     p.br.NS.PuppetUserID(user.ID),
		}
		p.puppets[user.ID] = puppet
	}
	p.mu.Unlock()

	if !puppet.registered {
		if err := p.br.Matrix.EnsureRegistered(ctx, puppet.UserID); err != nil {
			return "", fmt.Errorf("failed to register puppet: %w", err)
		}
		puppet.registered = true
	}

	name := p.br.Config.FormatDisplayname(DisplaynameParams{Name: user.Name, ID: user.ID})
	if err := p.br.Matrix.SetDisplayName(ctx, puppet.UserID, name); err != nil {
		return "", fmt.Errorf("failed to set display name: %w", err)
	}
	puppet.DisplayName = name

	if (force || !puppet.AvatarSet) && user.PhotoURL != "" {
		if err := p.syncAvatar(ctx, puppet, user.PhotoURL); err != nil {
			// The puppet is usable without an avatar; don't fail the
			// whole provision over it.
			p.br.Log.Warn().Err(err).Str("external_id", user.ID).Msg("Failed to sync puppet avatar")
		} else {
			puppet.AvatarSet = true
		}
	}
	return puppet.UserID, nil
}

// EnsureMembership joins the puppet to the room. Idempotent.
func (p *Provisioner) EnsureMembership(ctx context.Context, puppetID id.UserID, roomID id.RoomID) error {
	return p.br.Matrix.EnsureJoined(ctx, puppetID, roomID)
}

// Puppet returns the tracked puppet for an external user id, or nil.
func (p *Provisioner) Puppet(externalID string) *PuppetUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.puppets[externalID]
}

// syncAvatar downloads the remote profile image once and uploads it to
// the homeserver's media store as the puppet's avatar.
func (p *Provisioner) syncAvatar(ctx context.Context, puppet *PuppetUser, photoURL string) error {
	// Profile picture URLs come protocol-relative from the service.
	if strings.HasPrefix(photoURL, "//") {
		photoURL = "https:" + photoURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.br.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download avatar: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("avatar download returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read avatar: %w", err)
	}

	uri, err := p.br.Matrix.UploadMedia(ctx, puppet.UserID, data, resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to upload avatar: %w", err)
	}
	return p.br.Matrix.SetAvatarURL(ctx, puppet.UserID, uri)
}
