// Copyright 2024-2026 Aiku AI

// Package bridge implements a Matrix-Hangouts application service: it
// relays messages between Matrix rooms and Hangouts conversations,
// provisioning rooms and puppet users on demand.
//
// # Core Types
//
// [Bridge] wires the components together and owns the engine lock that
// serializes all event handling.
//
// [SessionManager] holds one authenticated Hangouts session per local
// Matrix user and reconnects dropped streams with capped backoff.
//
// [Provisioner] creates rooms for conversations, registers puppet
// users and keeps room membership in sync with conversation
// participants. Room-conversation mappings are bijective and
// persisted by [Store].
//
// [Relay] forwards messages in both directions. Inbound Hangouts
// events whose sender id is a known Matrix-originated identity in
// that room are suppressed, so a user's own relayed messages never
// echo back.
//
// [AdminProtocol] is the per-user 1:1 control channel used to log in
// with a refresh token and list conversations.
package bridge
