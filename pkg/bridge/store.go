// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// ErrMappingExists is returned by Insert when either side of a new
// mapping is already present. The conversation↔room relation is a
// bijection and is never overwritten.
var ErrMappingExists = errors.New("conversation mapping already exists")

// ConversationMapping ties a bridged room to its external conversation.
// Immutable once inserted.
type ConversationMapping struct {
	RoomAlias      id.RoomAlias `yaml:"room_alias"`
	RoomID         id.RoomID    `yaml:"room_id"`
	ConversationID string       `yaml:"conversation_id"`
}

// storeDocument is the on-disk shape of the bridge state. Absent
// collections default to empty on load.
type storeDocument struct {
	Conversations []*ConversationMapping  `yaml:"conversations"`
	AdminChannels map[id.UserID]id.RoomID `yaml:"admin_channels"`
	Credentials   map[id.UserID]string    `yaml:"credentials"`
}

// Store holds the bridge's durable state: the conversation↔room
// bijection, per-user admin channels and per-user credentials. All
// methods are safe for concurrent use.
type Store struct {
	path string

	mu         sync.RWMutex
	byConv     map[string]*ConversationMapping
	byRoom     map[id.RoomID]*ConversationMapping
	byAlias    map[id.RoomAlias]*ConversationMapping
	adminRooms map[id.UserID]id.RoomID
	adminUsers map[id.RoomID]id.UserID
	creds      map[id.UserID]string
}

// NewStore creates an empty store persisting to path. An empty path
// keeps the store in memory only.
func NewStore(path string) *Store {
	return &Store{
		path:       path,
		byConv:     make(map[string]*ConversationMapping),
		byRoom:     make(map[id.RoomID]*ConversationMapping),
		byAlias:    make(map[id.RoomAlias]*ConversationMapping),
		adminRooms: make(map[id.UserID]id.RoomID),
		adminUsers: make(map[id.RoomID]id.UserID),
		creds:      make(map[id.UserID]string),
	}
}

// Load reads the persisted document. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	var doc storeDocument
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range doc.Conversations {
		if m == nil || m.ConversationID == "" || m.RoomID == "" {
			continue
		}
		s.byConv[m.ConversationID] = m
		s.byRoom[m.RoomID] = m
		s.byAlias[m.RoomAlias] = m
	}
	for userID, roomID := range doc.AdminChannels {
		s.adminRooms[userID] = roomID
		s.adminUsers[roomID] = userID
	}
	for userID, cred := range doc.Credentials {
		s.creds[userID] = cred
	}
	return nil
}

// Save writes the document atomically (temp file + rename).
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	doc := storeDocument{
		Conversations: make([]*ConversationMapping, 0, len(s.byConv)),
		AdminChannels: make(map[id.UserID]id.RoomID, len(s.adminRooms)),
		Credentials:   make(map[id.UserID]string, len(s.creds)),
	}
	for _, m := range s.byConv {
		doc.Conversations = append(doc.Conversations, m)
	}
	for userID, roomID := range s.adminRooms {
		doc.AdminChannels[userID] = roomID
	}
	for userID, cred := range s.creds {
		doc.Credentials[userID] = cred
	}
	s.mu.RUnlock()
	sort.Slice(doc.Conversations, func(i, j int) bool {
		return doc.Conversations[i].ConversationID < doc.Conversations[j].ConversationID
	})

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}

// GetByConversation resolves a mapping by external conversation id.
func (s *Store) GetByConversation(conversationID string) *ConversationMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byConv[conversationID]
}

// GetByRoom resolves a mapping by Matrix room id.
func (s *Store) GetByRoom(roomID id.RoomID) *ConversationMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byRoom[roomID]
}

// GetByAlias resolves a mapping by room alias.
func (s *Store) GetByAlias(alias id.RoomAlias) *ConversationMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byAlias[alias]
}

// Insert adds a new mapping. It fails with ErrMappingExists if any side
// of the bijection is already taken.
func (s *Store) Insert(m *ConversationMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byConv[m.ConversationID]; ok {
		return fmt.Errorf("%w: conversation %s", ErrMappingExists, m.ConversationID)
	}
	if _, ok := s.byRoom[m.RoomID]; ok {
		return fmt.Errorf("%w: room %s", ErrMappingExists, m.RoomID)
	}
	if _, ok := s.byAlias[m.RoomAlias]; ok {
		return fmt.Errorf("%w: alias %s", ErrMappingExists, m.RoomAlias)
	}
	s.byConv[m.ConversationID] = m
	s.byRoom[m.RoomID] = m
	s.byAlias[m.RoomAlias] = m
	return nil
}

// Mappings returns a snapshot of all conversation mappings.
func (s *Store) Mappings() []*ConversationMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConversationMapping, 0, len(s.byConv))
	for _, m := range s.byConv {
		out = append(out, m)
	}
	return out
}

// AdminRoom returns the admin channel room for a local user.
func (s *Store) AdminRoom(userID id.UserID) (id.RoomID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.adminRooms[userID]
	return roomID, ok
}

// AdminUser returns the local user owning an admin channel room.
func (s *Store) AdminUser(roomID id.RoomID) (id.UserID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.adminUsers[roomID]
	return userID, ok
}

// PutAdminRoom records a new admin channel. Channels are immutable, so
// an existing entry is left untouched.
func (s *Store) PutAdminRoom(userID id.UserID, roomID id.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.adminRooms[userID]; ok {
		return
	}
	s.adminRooms[userID] = roomID
	s.adminUsers[roomID] = userID
}

// Credential returns the stored credential for a local user.
func (s *Store) Credential(userID id.UserID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[userID]
	return cred, ok
}

// PutCredential stores (or replaces) a local user's credential.
func (s *Store) PutCredential(userID id.UserID, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[userID] = credential
}

// Credentials returns a snapshot of all stored credentials.
func (s *Store) Credentials() map[id.UserID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[id.UserID]string, len(s.creds))
	for userID, cred := range s.creds {
		out[userID] = cred
	}
	return out
}
