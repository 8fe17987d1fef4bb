// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// Transaction is a batch of room-network events pushed by the
// homeserver. Events are processed strictly in order.
type Transaction struct {
	Events []*event.Event `json:"events"`
}

// EventHandler processes one room-network event. An error aborts the
// rest of the transaction, so handlers must tolerate replays.
type EventHandler func(ctx context.Context, evt *event.Event) error

// Dispatcher routes inbound events from both networks. Room-network
// events go through a dispatch table keyed by event type; external
// events are consumed from the session manager's channel by a single
// pump goroutine. Both paths run under the engine lock, so handlers
// never interleave.
type Dispatcher struct {
	br       *Bridge
	log      zerolog.Logger
	handlers map[event.Type]EventHandler

	// recentTxns remembers processed transaction ids so homeserver
	// retries of an already-handled transaction are acknowledged
	// without reprocessing.
	recentTxns *lru.Cache
}

func newDispatcher(br *Bridge) *Dispatcher {
	recentTxns, _ := lru.New(1024)
	d := &Dispatcher{
		br:         br,
		log:        br.Log.With().Str("component", "dispatcher").Logger(),
		recentTxns: recentTxns,
	}
	d.handlers = map[event.Type]EventHandler{
		event.EventMessage: d.handleRoomMessage,
		event.StateMember:  d.handleRoomMember,
	}
	return d
}

// HandleTransaction processes a transaction's events sequentially. The
// first handler error aborts the remaining events and is returned; the
// caller reports failure so the homeserver retries the whole batch.
func (d *Dispatcher) HandleTransaction(ctx context.Context, txnID string, txn *Transaction) error {
	if txnID != "" && d.recentTxns.Contains(txnID) {
		d.log.Debug().Str("txn_id", txnID).Msg("Ignoring replayed transaction")
		return nil
	}

	d.br.lock.Lock()
	defer d.br.lock.Unlock()
	for _, evt := range txn.Events {
		handler, ok := d.handlers[evt.Type]
		if !ok {
			continue
		}
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			// Malformed payloads are skipped, not fatal to the batch.
			d.log.Debug().Err(err).
				Str("event_type", evt.Type.String()).
				Msg("Skipping unparseable event")
			continue
		}
		if err := handler(ctx, evt); err != nil {
			d.log.Err(err).
				Str("event_type", evt.Type.String()).
				Str("room_id", evt.RoomID.String()).
				Str("sender", evt.Sender.String()).
				Msg("Event handler failed, aborting transaction")
			return err
		}
	}
	if txnID != "" {
		d.recentTxns.Add(txnID, struct{}{})
	}
	return nil
}

// RunChatEvents consumes the external-event channel until ctx is done.
// Run it on exactly one goroutine.
func (d *Dispatcher) RunChatEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case se := <-d.br.Sessions.Events():
			d.br.lock.Lock()
			d.br.Relay.InboundExternal(ctx, se.session, se.event)
			d.br.lock.Unlock()
		}
	}
}

// handleRoomMessage routes m.room.message events: admin channels get
// the command protocol, mapped rooms get the relay, everything else is
// ignored.
func (d *Dispatcher) handleRoomMessage(ctx context.Context, evt *event.Event) error {
	if _, ok := d.br.Store.AdminUser(evt.RoomID); ok {
		return d.br.Admin.HandleMessage(ctx, evt)
	}
	if d.br.Store.GetByRoom(evt.RoomID) != nil {
		return d.br.Relay.OutboundRoom(ctx, evt)
	}
	d.log.Debug().
		Str("room_id", evt.RoomID.String()).
		Msg("Ignoring message in unmapped room")
	return nil
}

// handleRoomMember reacts to direct 1:1 invites of the bridge bot,
// which open (or re-greet) the inviter's admin channel.
func (d *Dispatcher) handleRoomMember(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMember()
	if content == nil || content.Membership != event.MembershipInvite || !content.IsDirect {
		return nil
	}
	if evt.GetStateKey() != d.br.Matrix.BotUserID().String() {
		return nil
	}
	return d.br.Admin.HandleInvite(ctx, evt)
}
