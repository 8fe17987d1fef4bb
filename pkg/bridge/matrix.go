// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI is the room-network capability surface the engine needs.
// An empty userID addresses the bridge bot; any other id addresses the
// corresponding puppet intent.
type MatrixAPI interface {
	BotUserID() id.UserID
	EnsureRegistered(ctx context.Context, userID id.UserID) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	EnsureJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	SetAvatarURL(ctx context.Context, userID id.UserID, avatarURL id.ContentURI) error
	UploadMedia(ctx context.Context, userID id.UserID, data []byte, mimeType string) (id.ContentURI, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
	SendText(ctx context.Context, userID id.UserID, roomID id.RoomID, text string) error
	SendMessage(ctx context.Context, userID id.UserID, roomID id.RoomID, content *event.MessageEventContent) error
	SendState(ctx context.Context, userID id.UserID, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
}

// NewAppService builds the mautrix appservice handle from the config.
func NewAppService(cfg *Config, log zerolog.Logger) (*appservice.AppService, error) {
	as := appservice.Create()
	as.Registration = &appservice.Registration{
		ID:              cfg.Appservice.ID,
		URL:             cfg.Appservice.Address,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.BotUsername,
	}
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Log = log
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	return as, nil
}

// appserviceAPI implements MatrixAPI over appservice intents.
type appserviceAPI struct {
	as *appservice.AppService
}

var _ MatrixAPI = (*appserviceAPI)(nil)

// NewMatrixAPI wraps an appservice handle in the engine's MatrixAPI.
func NewMatrixAPI(as *appservice.AppService) MatrixAPI {
	return &appserviceAPI{as: as}
}

func (a *appserviceAPI) intent(userID id.UserID) *appservice.IntentAPI {
	if userID == "" {
		return a.as.BotIntent()
	}
	return a.as.Intent(userID)
}

func (a *appserviceAPI) BotUserID() id.UserID {
	return a.as.BotMXID()
}

func (a *appserviceAPI) EnsureRegistered(ctx context.Context, userID id.UserID) error {
	return a.intent(userID).EnsureRegistered(ctx)
}

func (a *appserviceAPI) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := a.intent("").CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (a *appserviceAPI) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := a.intent("").ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (a *appserviceAPI) EnsureJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	return a.intent(userID).EnsureJoined(ctx, roomID)
}

func (a *appserviceAPI) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	return a.intent(userID).SetDisplayName(ctx, name)
}

func (a *appserviceAPI) SetAvatarURL(ctx context.Context, userID id.UserID, avatarURL id.ContentURI) error {
	return a.intent(userID).SetAvatarURL(ctx, avatarURL)
}

func (a *appserviceAPI) UploadMedia(ctx context.Context, userID id.UserID, data []byte, mimeType string) (id.ContentURI, error) {
	resp, err := a.intent(userID).UploadBytes(ctx, data, mimeType)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (a *appserviceAPI) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	return a.intent("").DownloadBytes(ctx, uri)
}

func (a *appserviceAPI) SendText(ctx context.Context, userID id.UserID, roomID id.RoomID, text string) error {
	_, err := a.intent(userID).SendText(ctx, roomID, text)
	return err
}

func (a *appserviceAPI) SendMessage(ctx context.Context, userID id.UserID, roomID id.RoomID, content *event.MessageEventContent) error {
	_, err := a.intent(userID).SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

func (a *appserviceAPI) SendState(ctx context.Context, userID id.UserID, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := a.intent(userID).SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}
