// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hangouts/pkg/hangouts"
)

// ErrNoSession is returned when an operation needs an authenticated
// external-network session that the user does not have.
var ErrNoSession = errors.New("user has no active session")

// ChatClient is the external-network capability surface the engine
// needs from one authenticated session. *hangouts.Client satisfies it.
type ChatClient interface {
	SelfID() string
	List(ctx context.Context) ([]*hangouts.Conversation, error)
	Conversation(ctx context.Context, id string) (*hangouts.Conversation, error)
	SendText(ctx context.Context, conversationID, text string) error
	SendImage(ctx context.Context, conversationID string, data []byte, filename string) error
	Events() <-chan *hangouts.Event
	Disconnected() <-chan error
	Close()
}

// ChatConnector authenticates a credential and opens a streaming
// session.
type ChatConnector func(ctx context.Context, credential string) (ChatClient, error)

// Session is one local user's connection to the external network.
type Session struct {
	UserID     id.UserID
	Client     ChatClient
	credential string
}

// sessionEvent tags an inbound chat event with the session that
// received it.
type sessionEvent struct {
	session *Session
	event   *hangouts.Event
}

// SessionManager owns all external-network sessions. Sessions are
// created at startup from stored credentials, created on login, and
// replaced in place on reconnect so lookups never observe a
// half-initialized client.
type SessionManager struct {
	log        zerolog.Logger
	store      *Store
	connect    ChatConnector
	maxBackoff time.Duration

	mu       sync.RWMutex
	sessions map[id.UserID]*Session

	events chan *sessionEvent
}

// NewSessionManager creates a session manager. maxBackoff caps the
// reconnect backoff.
func NewSessionManager(log zerolog.Logger, store *Store, connect ChatConnector, maxBackoff time.Duration) *SessionManager {
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	return &SessionManager{
		log:        log.With().Str("component", "sessions").Logger(),
		store:      store,
		connect:    connect,
		maxBackoff: maxBackoff,
		sessions:   make(map[id.UserID]*Session),
		events:     make(chan *sessionEvent, 64),
	}
}

// Events delivers every inbound chat event from every session.
func (sm *SessionManager) Events() <-chan *sessionEvent {
	return sm.events
}

// Get returns the active session for a user, or nil.
func (sm *SessionManager) Get(userID id.UserID) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[userID]
}

// All returns a snapshot of the active sessions.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, sess)
	}
	return out
}

// StartSession authenticates the credential and registers the session,
// replacing (and closing) any previous session for the user. The
// credential is persisted on success. Authentication failures are
// returned as-is (hangouts.AuthError for bad credentials) and never
// retried here.
func (sm *SessionManager) StartSession(ctx context.Context, userID id.UserID, credential string) (*Session, error) {
	client, err := sm.connect(ctx, credential)
	if err != nil {
		return nil, err
	}
	sess := &Session{UserID: userID, Client: client, credential: credential}

	sm.mu.Lock()
	old := sm.sessions[userID]
	sm.sessions[userID] = sess
	sm.mu.Unlock()
	if old != nil {
		old.Client.Close()
	}

	sm.store.PutCredential(userID, credential)
	if err = sm.store.Save(); err != nil {
		sm.log.Err(err).Msg("Failed to persist credential")
	}

	go sm.watch(sess)
	sm.log.Info().
		Str("user_id", userID.String()).
		Str("self_id", client.SelfID()).
		Msg("Session started")
	return sess, nil
}

// RestoreAll rebuilds sessions for every persisted credential. Failures
// are reported through onFailure and do not stop the remaining
// restores.
func (sm *SessionManager) RestoreAll(ctx context.Context, onFailure func(userID id.UserID, err error)) {
	for userID, credential := range sm.store.Credentials() {
		if _, err := sm.StartSession(ctx, userID, credential); err != nil {
			sm.log.Err(err).Str("user_id", userID.String()).Msg("Failed to restore session")
			if onFailure != nil {
				onFailure(userID, err)
			}
		}
	}
}

// CloseAll shuts down every session without removing credentials.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for userID, sess := range sm.sessions {
		sess.Client.Close()
		delete(sm.sessions, userID)
	}
}

// watch pumps the session's events, then decides whether the stream
// ended deliberately or dropped. Drops trigger the reconnect loop.
func (sm *SessionManager) watch(sess *Session) {
	for evt := range sess.Client.Events() {
		sm.events <- &sessionEvent{session: sess, event: evt}
	}
	select {
	case err := <-sess.Client.Disconnected():
		sm.log.Warn().Err(err).Str("user_id", sess.UserID.String()).Msg("Session disconnected, reconnecting")
		sm.reconnect(sess)
	default:
		// Closed deliberately (logout or replaced by a new login).
	}
}

// reconnect retries indefinitely with the stored credential, capped
// exponential backoff. It stops if the session was replaced by a newer
// login in the meantime, and swaps the new client in atomically.
func (sm *SessionManager) reconnect(stale *Session) {
	backoff := time.Second
	for {
		if sm.Get(stale.UserID) != stale {
			return
		}
		client, err := sm.connect(context.Background(), stale.credential)
		if err == nil {
			next := &Session{UserID: stale.UserID, Client: client, credential: stale.credential}
			sm.mu.Lock()
			if sm.sessions[stale.UserID] != stale {
				// A fresh login won the race; discard ours.
				sm.mu.Unlock()
				client.Close()
				return
			}
			sm.sessions[stale.UserID] = next
			sm.mu.Unlock()
			sm.log.Info().Str("user_id", stale.UserID.String()).Msg("Session reconnected")
			go sm.watch(next)
			return
		}
		sm.log.Err(err).
			Str("user_id", stale.UserID.String()).
			Dur("retry_in", backoff).
			Msg("Reconnect failed")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > sm.maxBackoff {
			backoff = sm.maxBackoff
		}
	}
}
