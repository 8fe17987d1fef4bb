// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Namespace maps external-network identifiers into the bridge's Matrix
// namespace and back.
type Namespace struct {
	// Domain is the homeserver domain the bridge registers under.
	Domain string
	// UserPrefix is the localpart prefix for puppet users.
	UserPrefix string
	// AliasPrefix is the localpart prefix for conversation room aliases.
	AliasPrefix string
	// BotLocalpart is the bridge bot's localpart.
	BotLocalpart string
}

// BotUserID returns the bridge bot's full Matrix user id.
func (ns Namespace) BotUserID() id.UserID {
	return id.NewUserID(ns.BotLocalpart, ns.Domain)
}

// AliasLocalpart returns the alias localpart for a conversation.
func (ns Namespace) AliasLocalpart(conversationID string) string {
	return ns.AliasPrefix + conversationID
}

// ConversationAlias returns the full room alias for a conversation.
func (ns Namespace) ConversationAlias(conversationID string) id.RoomAlias {
	return id.RoomAlias(fmt.Sprintf("#%s:%s", ns.AliasLocalpart(conversationID), ns.Domain))
}

// ParseConversationAlias extracts the conversation id from a room alias
// in the bridge's namespace. The second return is false for aliases the
// bridge does not own.
func (ns Namespace) ParseConversationAlias(alias id.RoomAlias) (string, bool) {
	localpart, domain, found := strings.Cut(strings.TrimPrefix(string(alias), "#"), ":")
	if !found || domain != ns.Domain || !strings.HasPrefix(string(alias), "#") {
		return "", false
	}
	convID := strings.TrimPrefix(localpart, ns.AliasPrefix)
	if convID == localpart || convID == "" {
		return "", false
	}
	return convID, true
}

// PuppetLocalpart returns the localpart used to register a puppet for
// an external user.
func (ns Namespace) PuppetLocalpart(externalUserID string) string {
	return ns.UserPrefix + externalUserID
}

// PuppetUserID returns the full Matrix user id of an external user's
// puppet.
func (ns Namespace) PuppetUserID(externalUserID string) id.UserID {
	return id.NewUserID(ns.PuppetLocalpart(externalUserID), ns.Domain)
}

// ParsePuppetUserID extracts the external user id from a puppet Matrix
// id. The second return is false for non-puppet users.
func (ns Namespace) ParsePuppetUserID(userID id.UserID) (string, bool) {
	localpart, domain, found := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	if !found || domain != ns.Domain || !strings.HasPrefix(string(userID), "@") {
		return "", false
	}
	externalID := strings.TrimPrefix(localpart, ns.UserPrefix)
	if externalID == localpart || externalID == "" {
		return "", false
	}
	return externalID, true
}

// IsBridgeUser reports whether the given Matrix user is controlled by
// the bridge (the bot or any puppet). Events from these senders are
// never relayed back out.
func (ns Namespace) IsBridgeUser(userID id.UserID) bool {
	if userID == ns.BotUserID() {
		return true
	}
	_, isPuppet := ns.ParsePuppetUserID(userID)
	return isPuppet
}
