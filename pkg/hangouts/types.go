// Copyright 2024-2026 Aiku AI

package hangouts

import "fmt"

// User is a participant in a conversation.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url"`
	IsSelf   bool   `json:"is_self"`
}

// Conversation is a chat the authenticated user is part of.
type Conversation struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants []User `json:"participants"`
}

// Event is a single inbound chat message delivered on the stream.
type Event struct {
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	SenderName     string   `json:"sender_name"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments"`
}

// AuthError is returned when the service rejects the provided
// credential. It is never retried automatically.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("hangouts authentication failed: %s", e.Message)
}

// HTTPError is returned for any non-success response from the chat
// service outside of authentication.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("hangouts request failed: HTTP %d: %s", e.Status, e.Body)
}
