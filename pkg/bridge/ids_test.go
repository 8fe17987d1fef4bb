// Copyright 2024-2026 Aiku AI

package bridge

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

var testNS = Namespace{
	Domain:       "example.com",
	UserPrefix:   "hangouts_",
	AliasPrefix:  "hangouts_",
	BotLocalpart: "hangoutsbot",
}

func TestBotUserID(t *testing.T) {
	t.Parallel()
	if got := testNS.BotUserID(); got != "@hangoutsbot:example.com" {
		t.Errorf("BotUserID: got %q, want %q", got, "@hangoutsbot:example.com")
	}
}

func TestConversationAlias(t *testing.T) {
	t.Parallel()
	got := testNS.ConversationAlias("UgxKconv1")
	if got != "#hangouts_UgxKconv1:example.com" {
		t.Errorf("ConversationAlias: got %q, want %q", got, "#hangouts_UgxKconv1:example.com")
	}
}

func TestParseConversationAlias(t *testing.T) {
	t.Parallel()
	tests := []struct {
		alias  id.RoomAlias
		convID string
		ok     bool
	}{
		{"#hangouts_UgxKconv1:example.com", "UgxKconv1", true},
		{"#hangouts_a:example.com", "a", true},
		{"#hangouts_UgxKconv1:other.org", "", false},
		{"#other_UgxKconv1:example.com", "", false},
		{"#hangouts_:example.com", "", false},
		{"hangouts_UgxKconv1:example.com", "", false},
		{"#hangouts_UgxKconv1", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		convID, ok := testNS.ParseConversationAlias(tt.alias)
		if convID != tt.convID || ok != tt.ok {
			t.Errorf("ParseConversationAlias(%q): got (%q, %v), want (%q, %v)",
				tt.alias, convID, ok, tt.convID, tt.ok)
		}
	}
}

func TestConversationAliasRoundTrip(t *testing.T) {
	t.Parallel()
	original := "Ugx-conv.id_42"
	convID, ok := testNS.ParseConversationAlias(testNS.ConversationAlias(original))
	if !ok || convID != original {
		t.Errorf("alias round trip: got (%q, %v), want (%q, true)", convID, ok, original)
	}
}

func TestPuppetUserID(t *testing.T) {
	t.Parallel()
	got := testNS.PuppetUserID("102938475")
	if got != "@hangouts_102938475:example.com" {
		t.Errorf("PuppetUserID: got %q, want %q", got, "@hangouts_102938475:example.com")
	}
}

func TestParsePuppetUserID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		userID     id.UserID
		externalID string
		ok         bool
	}{
		{"@hangouts_102938475:example.com", "102938475", true},
		{"@hangouts_102938475:other.org", "", false},
		{"@alice:example.com", "", false},
		{"@hangouts_:example.com", "", false},
		{"@hangoutsbot:example.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		externalID, ok := testNS.ParsePuppetUserID(tt.userID)
		if externalID != tt.externalID || ok != tt.ok {
			t.Errorf("ParsePuppetUserID(%q): got (%q, %v), want (%q, %v)",
				tt.userID, externalID, ok, tt.externalID, tt.ok)
		}
	}
}

func TestIsBridgeUser(t *testing.T) {
	t.Parallel()
	tests := []struct {
		userID id.UserID
		want   bool
	}{
		{"@hangoutsbot:example.com", true},
		{"@hangouts_102938475:example.com", true},
		{"@alice:example.com", false},
		{"@hangoutsbot:other.org", false},
		{"@hangouts_12345:other.org", false},
	}
	for _, tt := range tests {
		if got := testNS.IsBridgeUser(tt.userID); got != tt.want {
			t.Errorf("IsBridgeUser(%q): got %v, want %v", tt.userID, got, tt.want)
		}
	}
}

// FuzzParseConversationAlias checks the alias parser never panics, is
// deterministic, and stays inverse to ConversationAlias.
func FuzzParseConversationAlias(f *testing.F) {
	f.Add("#hangouts_conv1:example.com")
	f.Add("#hangouts_:example.com")
	f.Add("hangouts_conv1")
	f.Add("")
	f.Add("#:")
	f.Add("#hangouts_a:b:c")
	f.Add(string([]byte{0x00}))

	f.Fuzz(func(t *testing.T, raw string) {
		alias := id.RoomAlias(raw)
		convID, ok := testNS.ParseConversationAlias(alias)

		convID2, ok2 := testNS.ParseConversationAlias(alias)
		if convID != convID2 || ok != ok2 {
			t.Errorf("non-deterministic: ParseConversationAlias(%q) returned (%q, %v) then (%q, %v)",
				raw, convID, ok, convID2, ok2)
		}
		if ok && convID == "" {
			t.Errorf("ParseConversationAlias(%q) accepted an empty conversation id", raw)
		}
		// Any accepted alias must re-encode to exactly itself.
		if ok {
			if rebuilt := testNS.ConversationAlias(convID); rebuilt != alias {
				t.Errorf("ConversationAlias(%q) = %q, want the original %q", convID, rebuilt, raw)
			}
		}
	})
}

// FuzzPuppetUserIDRoundTrip checks that any external id embeds and
// extracts cleanly, as long as it does not contain a colon.
func FuzzPuppetUserIDRoundTrip(f *testing.F) {
	f.Add("102938475")
	f.Add("user.with-dots_and_underscores")
	f.Add("")

	f.Fuzz(func(t *testing.T, externalID string) {
		if externalID == "" || containsColon(externalID) {
			t.Skip()
		}
		got, ok := testNS.ParsePuppetUserID(testNS.PuppetUserID(externalID))
		if !ok || got != externalID {
			t.Errorf("puppet id round trip for %q: got (%q, %v)", externalID, got, ok)
		}
	})
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
