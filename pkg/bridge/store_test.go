// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/id"
)

func testMapping(convID string, roomID id.RoomID) *ConversationMapping {
	return &ConversationMapping{
		RoomAlias:      testNS.ConversationAlias(convID),
		RoomID:         roomID,
		ConversationID: convID,
	}
}

func TestStoreInsertAndLookup(t *testing.T) {
	t.Parallel()
	s := NewStore("")
	m := testMapping("conv1", "!room1:example.com")
	if err := s.Insert(m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if got := s.GetByConversation("conv1"); got != m {
		t.Errorf("GetByConversation: got %+v, want %+v", got, m)
	}
	if got := s.GetByRoom("!room1:example.com"); got != m {
		t.Errorf("GetByRoom: got %+v, want %+v", got, m)
	}
	if got := s.GetByAlias(m.RoomAlias); got != m {
		t.Errorf("GetByAlias: got %+v, want %+v", got, m)
	}
	if got := s.GetByConversation("conv2"); got != nil {
		t.Errorf("GetByConversation for unknown id: got %+v, want nil", got)
	}
}

func TestStoreInsertRejectsDuplicates(t *testing.T) {
	t.Parallel()
	s := NewStore("")
	if err := s.Insert(testMapping("conv1", "!room1:example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dupes := []*ConversationMapping{
		testMapping("conv1", "!room2:example.com"),
		testMapping("conv2", "!room1:example.com"),
		{RoomAlias: testNS.ConversationAlias("conv1"), RoomID: "!room3:example.com", ConversationID: "conv3"},
	}
	for _, d := range dupes {
		if err := s.Insert(d); !errors.Is(err, ErrMappingExists) {
			t.Errorf("Insert(%+v): got %v, want ErrMappingExists", d, err)
		}
	}
	// The losing inserts must not have disturbed the original mapping.
	if got := s.GetByConversation("conv1"); got == nil || got.RoomID != "!room1:example.com" {
		t.Errorf("original mapping changed: %+v", got)
	}
	if len(s.Mappings()) != 1 {
		t.Errorf("Mappings: got %d entries, want 1", len(s.Mappings()))
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bridge-store.yaml")

	s := NewStore(path)
	if err := s.Insert(testMapping("conv1", "!room1:example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(testMapping("conv2", "!room2:example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.PutAdminRoom("@alice:example.com", "!admin1:example.com")
	s.PutCredential("@alice:example.com", "refresh-token-1")
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewStore(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.GetByConversation("conv2"); got == nil || got.RoomID != "!room2:example.com" {
		t.Errorf("loaded mapping: got %+v", got)
	}
	if got := loaded.GetByAlias(testNS.ConversationAlias("conv1")); got == nil {
		t.Error("loaded store is missing the alias index")
	}
	if roomID, ok := loaded.AdminRoom("@alice:example.com"); !ok || roomID != "!admin1:example.com" {
		t.Errorf("loaded admin room: got (%q, %v)", roomID, ok)
	}
	if userID, ok := loaded.AdminUser("!admin1:example.com"); !ok || userID != "@alice:example.com" {
		t.Errorf("loaded admin user: got (%q, %v)", userID, ok)
	}
	if cred, ok := loaded.Credential("@alice:example.com"); !ok || cred != "refresh-token-1" {
		t.Errorf("loaded credential: got (%q, %v)", cred, ok)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	t.Parallel()
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if len(s.Mappings()) != 0 {
		t.Errorf("Mappings after empty load: got %d, want 0", len(s.Mappings()))
	}
}

func TestStoreLoadPartialDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.yaml")
	doc := "conversations:\n" +
		"- room_alias: '#hangouts_conv1:example.com'\n" +
		"  room_id: '!room1:example.com'\n" +
		"  conversation_id: conv1\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.GetByConversation("conv1"); got == nil {
		t.Error("partial document did not load conversations")
	}
	if _, ok := s.AdminRoom("@alice:example.com"); ok {
		t.Error("absent admin_channels collection produced entries")
	}
	if len(s.Credentials()) != 0 {
		t.Error("absent credentials collection produced entries")
	}
}

func TestStoreMemoryOnly(t *testing.T) {
	t.Parallel()
	s := NewStore("")
	if err := s.Insert(testMapping("conv1", "!room1:example.com")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save without path: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load without path: %v", err)
	}
}

func TestStoreAdminRoomImmutable(t *testing.T) {
	t.Parallel()
	s := NewStore("")
	s.PutAdminRoom("@alice:example.com", "!admin1:example.com")
	s.PutAdminRoom("@alice:example.com", "!admin2:example.com")
	if roomID, _ := s.AdminRoom("@alice:example.com"); roomID != "!admin1:example.com" {
		t.Errorf("admin room was overwritten: got %q", roomID)
	}
}

func TestStoreCredentialReplace(t *testing.T) {
	t.Parallel()
	s := NewStore("")
	s.PutCredential("@alice:example.com", "old")
	s.PutCredential("@alice:example.com", "new")
	if cred, _ := s.Credential("@alice:example.com"); cred != "new" {
		t.Errorf("credential: got %q, want %q", cred, "new")
	}
}
