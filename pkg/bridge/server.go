// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hangouts/pkg/hangouts"
)

// Server is the appservice HTTP listener. The homeserver pushes event
// transactions to it and queries it to provision rooms for our alias
// namespace on demand.
type Server struct {
	br   *Bridge
	log  zerolog.Logger
	http *http.Server
}

func newServer(br *Bridge) *Server {
	s := &Server{
		br:  br,
		log: br.Log.With().Str("component", "server").Logger(),
	}

	router := mux.NewRouter()
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		sub := router.PathPrefix(prefix).Subrouter()
		sub.HandleFunc("/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
		sub.HandleFunc("/rooms/{alias}", s.handleRoomAlias).Methods(http.MethodGet)
		sub.HandleFunc("/users/{userID}", s.handleUserQuery).Methods(http.MethodGet)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", br.Config.Appservice.Hostname, br.Config.Appservice.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. Listener failures
// other than graceful shutdown are fatal.
func (s *Server) Start() {
	s.log.Info().Str("address", s.http.Addr).Msg("Starting appservice listener")
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Fatal().Err(err).Msg("Appservice listener failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// checkAuth validates the homeserver token, accepting both the query
// parameter and Authorization header forms.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token != s.br.Config.Appservice.HSToken {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "Invalid homeserver token",
		})
		return false
	}
	return true
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	txnID := mux.Vars(r)["txnID"]
	var txn Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"errcode": "M_NOT_JSON",
			"error":   "Malformed transaction body",
		})
		return
	}
	if err := s.br.Dispatcher.HandleTransaction(r.Context(), txnID, &txn); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleRoomAlias provisions a room for a conversation alias in our
// namespace, if any logged-in session can see that conversation.
func (s *Server) handleRoomAlias(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	alias := id.RoomAlias(mux.Vars(r)["alias"])
	conversationID, ok := s.br.NS.ParseConversationAlias(alias)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"errcode": "M_NOT_FOUND",
			"error":   "Alias not in bridge namespace",
		})
		return
	}

	for _, sess := range s.br.Sessions.All() {
		if _, err := sess.Client.Conversation(r.Context(), conversationID); err != nil {
			if !errors.Is(err, hangouts.ErrConversationNotFound) {
				s.log.Warn().Err(err).
					Str("conversation_id", conversationID).
					Str("user_id", sess.UserID.String()).
					Msg("Conversation lookup failed during alias query")
			}
			continue
		}
		s.br.lock.Lock()
		_, err := s.br.Provisioner.EnsureRoom(r.Context(), sess, conversationID)
		s.br.lock.Unlock()
		if err != nil {
			s.log.Err(err).
				Str("conversation_id", conversationID).
				Msg("Failed to provision room for alias query")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"errcode": "M_NOT_FOUND",
		"error":   "No session can access this conversation",
	})
}

// handleUserQuery always reports unknown: puppets are registered
// eagerly during provisioning, never lazily through this endpoint.
func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"errcode": "M_NOT_FOUND",
		"error":   "User not known to this bridge",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
