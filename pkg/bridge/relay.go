// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-hangouts/pkg/hangouts"
)

// Relay forwards chat messages between a conversation and its mapped
// room in both directions, suppressing delivery of a message back to
// the network that produced it.
type Relay struct {
	br *Bridge

	// echoMu guards echoSources: per room, the external user ids whose
	// messages originate on the Matrix side. A stream event attributed
	// to one of them is a mirror of a message this bridge already
	// relayed out, and must not come back in.
	echoMu      sync.Mutex
	echoSources map[id.RoomID]map[string]struct{}
}

func newRelay(br *Bridge) *Relay {
	return &Relay{
		br:          br,
		echoSources: make(map[id.RoomID]map[string]struct{}),
	}
}

// MarkEchoSource records an external user id whose messages in this
// room originate on the Matrix side.
func (r *Relay) MarkEchoSource(roomID id.RoomID, externalUserID string) {
	r.echoMu.Lock()
	defer r.echoMu.Unlock()
	set, ok := r.echoSources[roomID]
	if !ok {
		set = make(map[string]struct{})
		r.echoSources[roomID] = set
	}
	set[externalUserID] = struct{}{}
}

// IsEchoSource reports whether the sender's messages in this room are
// echoes of Matrix-originated messages.
func (r *Relay) IsEchoSource(roomID id.RoomID, externalUserID string) bool {
	r.echoMu.Lock()
	defer r.echoMu.Unlock()
	_, ok := r.echoSources[roomID][externalUserID]
	return ok
}

// InboundExternal forwards a chat-service event into its mapped room as
// the sender's puppet. Unmapped conversations and echoes are dropped.
func (r *Relay) InboundExternal(ctx context.Context, sess *Session, evt *hangouts.Event) {
	log := r.br.Log.With().
		Str("conversation_id", evt.ConversationID).
		Str("sender_id", evt.SenderID).
		Logger()

	m := r.br.Store.GetByConversation(evt.ConversationID)
	if m == nil {
		log.Debug().Msg("Dropping event for unmapped conversation")
		return
	}
	if r.IsEchoSource(m.RoomID, evt.SenderID) {
		log.Debug().Msg("Suppressing echo of Matrix-originated message")
		return
	}

	puppetID, err := r.br.Provisioner.EnsurePuppet(ctx, hangouts.User{
		ID:   evt.SenderID,
		Name: evt.SenderName,
	}, false)
	if err != nil {
		log.Err(err).Msg("Failed to sync puppet for inbound message")
		return
	}
	if err = r.br.Provisioner.EnsureMembership(ctx, puppetID, m.RoomID); err != nil {
		log.Err(err).Msg("Failed to join puppet for inbound message")
		return
	}

	if evt.Text != "" {
		if err = r.br.Matrix.SendText(ctx, puppetID, m.RoomID, evt.Text); err != nil {
			log.Err(err).Msg("Failed to relay message to room")
			return
		}
	}

	if len(evt.Attachments) > 0 {
		if len(evt.Attachments) > 1 {
			log.Warn().
				Int("count", len(evt.Attachments)).
				Msg("Multiple attachments on one event, relaying only the first")
		}
		if err = r.relayAttachment(ctx, puppetID, m.RoomID, evt.Attachments[0]); err != nil {
			log.Err(err).Msg("Failed to relay attachment")
		}
	}
}

// relayAttachment downloads one remote attachment, uploads it to the
// homeserver media store and sends it into the room as an image.
func (r *Relay) relayAttachment(ctx context.Context, puppetID id.UserID, roomID id.RoomID, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.br.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attachment download returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}

	uri, err := r.br.Matrix.UploadMedia(ctx, puppetID, data, resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to upload attachment: %w", err)
	}
	return r.br.Matrix.SendMessage(ctx, puppetID, roomID, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    path.Base(req.URL.Path),
		URL:     uri.CUString(),
		Info: &event.FileInfo{
			MimeType: resp.Header.Get("Content-Type"),
			Size:     len(data),
		},
	})
}

// OutboundRoom forwards a Matrix room message to the mapped
// conversation using the sender's session. Events from bridge-owned
// senders are echoes and are ignored.
func (r *Relay) OutboundRoom(ctx context.Context, evt *event.Event) error {
	if r.br.NS.IsBridgeUser(evt.Sender) {
		return nil
	}
	m := r.br.Store.GetByRoom(evt.RoomID)
	if m == nil {
		return nil
	}

	sess := r.br.Sessions.Get(evt.Sender)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, evt.Sender)
	}

	// Participants may have joined the conversation since the room was
	// provisioned; bring the puppet roster up to date first.
	conv, err := sess.Client.Conversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if err = r.br.Provisioner.SyncParticipants(ctx, sess, conv, m.RoomID); err != nil {
		r.br.Log.Warn().Err(err).
			Str("conversation_id", m.ConversationID).
			Msg("Failed to sync participants before relaying")
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return sess.Client.SendText(ctx, m.ConversationID, content.Body)
	case event.MsgImage:
		uri, err := content.URL.Parse()
		if err != nil {
			return fmt.Errorf("invalid image URL: %w", err)
		}
		data, err := r.br.Matrix.DownloadMedia(ctx, uri)
		if err != nil {
			return fmt.Errorf("failed to download image: %w", err)
		}
		return sess.Client.SendImage(ctx, m.ConversationID, data, content.Body)
	default:
		r.br.Log.Debug().
			Str("msgtype", string(content.MsgType)).
			Msg("Ignoring unsupported message type")
		return nil
	}
}
