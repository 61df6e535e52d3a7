// Package events defines the outbox event tags and the payload schema carried by each.
// The dispatch core treats payloads as opaque; only handlers decode them.
package events

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Type tags an outbox event.
type Type string

const (
	MessageCreated     Type = "message:created"
	MessageEdited      Type = "message:edited"
	MessageDeleted     Type = "message:deleted"
	ReactionAdded      Type = "reaction:added"
	StreamCreated      Type = "stream:created"
	StreamUpdated      Type = "stream:updated"
	CommandDispatched  Type = "command:dispatched"
	AttachmentUploaded Type = "attachment:uploaded"
)

// AuthorUser and AuthorPersona distinguish human authors from AI personas.
const (
	AuthorUser    = "user"
	AuthorPersona = "persona"
)

// Scope locates an event inside the workspace hierarchy. Every payload embeds it.
type Scope struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId,omitempty"`
}

// Message is the payload of message:created, message:edited and message:deleted.
type Message struct {
	Scope
	MessageID        string   `json:"messageId"`
	AuthorID         string   `json:"authorId"`
	AuthorType       string   `json:"authorType"`
	Content          string   `json:"content,omitempty"`
	Mentions         []string `json:"mentions,omitempty"`
	Emojis           []string `json:"emojis,omitempty"`
	CompanionEnabled bool     `json:"companionEnabled,omitempty"`
	StreamNamed      bool     `json:"streamNamed,omitempty"`
}

// Reaction is the payload of reaction:added.
type Reaction struct {
	Scope
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// Command is the payload of command:dispatched.
type Command struct {
	Scope
	CommandID string          `json:"commandId"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	IssuerID  string          `json:"issuerId"`
}

// Attachment is the payload of attachment:uploaded.
type Attachment struct {
	Scope
	AttachmentID string `json:"attachmentId"`
	MimeType     string `json:"mimeType"`
	StorageKey   string `json:"storageKey"`
	PageCount    int    `json:"pageCount,omitempty"`
}

// Decode unmarshals an outbox payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var out T
	if len(payload) == 0 {
		return out, fmt.Errorf("events: empty payload")
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("events: decode payload: %w", err)
	}
	return out, nil
}

// ScopeOf extracts the workspace and stream identifiers shared by every payload.
func ScopeOf(payload json.RawMessage) (Scope, error) {
	scope, err := Decode[Scope](payload)
	if err != nil {
		return Scope{}, err
	}
	scope.WorkspaceID = strings.TrimSpace(scope.WorkspaceID)
	scope.StreamID = strings.TrimSpace(scope.StreamID)
	return scope, nil
}

// Topics returns the broadcast topics an event with this scope is delivered to,
// most specific first.
func (s Scope) Topics() []string {
	topics := make([]string, 0, 2)
	if s.StreamID != "" {
		topics = append(topics, "stream:"+s.StreamID)
	}
	if s.WorkspaceID != "" {
		topics = append(topics, "workspace:"+s.WorkspaceID)
	}
	return topics
}
