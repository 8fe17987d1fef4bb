// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Bridge wires the engine components together. All room-network and
// external-network event handling runs under lock, so component state
// never sees interleaved updates.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger
	NS     Namespace

	Store       *Store
	Matrix      MatrixAPI
	Sessions    *SessionManager
	Provisioner *Provisioner
	Relay       *Relay
	Dispatcher  *Dispatcher
	Admin       *AdminProtocol
	Server      *Server

	// HTTP fetches external avatar and attachment URLs.
	HTTP *http.Client

	lock sync.Mutex
}

func New(cfg *Config, log zerolog.Logger, matrix MatrixAPI, connect ChatConnector) *Bridge {
	br := &Bridge{
		Config: cfg,
		Log:    log,
		NS:     cfg.Namespace(),
		Store:  NewStore(cfg.Bridge.StorePath),
		Matrix: matrix,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
	}
	maxBackoff := time.Duration(cfg.Bridge.ReconnectMaxBackoff) * time.Second
	br.Sessions = NewSessionManager(log, br.Store, connect, maxBackoff)
	br.Provisioner = newProvisioner(br)
	br.Relay = newRelay(br)
	br.Admin = newAdminProtocol(br)
	br.Dispatcher = newDispatcher(br)
	br.Server = newServer(br)
	return br
}

// Start loads persisted state, restores external sessions, rebuilds
// the echo-suppression sets, and begins serving. It returns once the
// bridge is accepting transactions.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.Store.Load(); err != nil {
		return fmt.Errorf("failed to load bridge store: %w", err)
	}
	if err := br.Matrix.EnsureRegistered(ctx, ""); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}

	br.Sessions.RestoreAll(ctx, br.reportRestoreFailure)
	br.rebuildEchoSources(ctx)

	go br.Dispatcher.RunChatEvents(ctx)
	br.Server.Start()
	br.Log.Info().Msg("Bridge started")
	return nil
}

// Stop shuts down the listener, closes external sessions and flushes
// the store.
func (br *Bridge) Stop(ctx context.Context) {
	if err := br.Server.Stop(ctx); err != nil {
		br.Log.Err(err).Msg("Error shutting down appservice listener")
	}
	br.Sessions.CloseAll()
	if err := br.Store.Save(); err != nil {
		br.Log.Err(err).Msg("Error saving bridge store during shutdown")
	}
	br.Log.Info().Msg("Bridge stopped")
}

// reportRestoreFailure tells the user in their admin channel that
// their stored credential no longer works.
func (br *Bridge) reportRestoreFailure(userID id.UserID, err error) {
	br.Log.Warn().Err(err).
		Str("user_id", userID.String()).
		Msg("Failed to restore session from stored credential")
	roomID, ok := br.Store.AdminRoom(userID)
	if !ok {
		return
	}
	msg := fmt.Sprintf("Failed to restore your Hangouts session: %s. "+
		"Use 'login' to reconnect.", err)
	if sendErr := br.Matrix.SendText(context.Background(), "", roomID, msg); sendErr != nil {
		br.Log.Err(sendErr).
			Str("user_id", userID.String()).
			Msg("Failed to notify user about session restore failure")
	}
}

// rebuildEchoSources re-derives which external user ids are
// Matrix-originated in each mapped room, so restored sessions do not
// echo their own relayed messages back.
func (br *Bridge) rebuildEchoSources(ctx context.Context) {
	for _, sess := range br.Sessions.All() {
		br.markSessionEchoSources(ctx, sess)
	}
}

// markSessionEchoSources marks the session owner's external identity in
// every mapped room whose conversation the session can see. Called for
// every session at startup and again after each successful login, so a
// re-login into previously provisioned rooms is covered too.
func (br *Bridge) markSessionEchoSources(ctx context.Context, sess *Session) {
	for _, mapping := range br.Store.Mappings() {
		if _, err := sess.Client.Conversation(ctx, mapping.ConversationID); err != nil {
			br.Log.Debug().Err(err).
				Str("conversation_id", mapping.ConversationID).
				Str("user_id", sess.UserID.String()).
				Msg("Session cannot see mapped conversation")
			continue
		}
		br.Relay.MarkEchoSource(mapping.RoomID, sess.Client.SelfID())
	}
}
