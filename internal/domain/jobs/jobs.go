// Package jobs defines one payload schema per queue name. Payloads are validated when
// they are enqueued so handlers never see malformed shapes.
package jobs

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Queue names.
const (
	QueueCompanionRespond   = "companion.respond"
	QueueStreamNaming       = "stream.naming"
	QueueMessageEmbed       = "message.embed"
	QueueBoundaryExtract    = "conversation.boundary"
	QueueMemoAccumulate     = "memo.accumulate"
	QueueCommandExecute     = "command.execute"
	QueuePersonaMention     = "persona.mention"
	QueueAttachmentPrepare  = "attachment.prepare"
	QueueAttachmentPage     = "attachment.page"
	QueueAttachmentAssemble = "attachment.assemble"
)

// Payload is implemented by every job schema.
type Payload interface {
	Queue() string
	Validate() error
}

func required(queue string, fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("jobs: %s: %s required", queue, name)
		}
	}
	return nil
}

// CompanionRespond asks the stream's companion persona to reply to a message.
type CompanionRespond struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId"`
	MessageID   string `json:"messageId"`
	EventID     int64  `json:"eventId"`
}

func (CompanionRespond) Queue() string { return QueueCompanionRespond }

func (p CompanionRespond) Validate() error {
	return required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "streamId": p.StreamID, "messageId": p.MessageID})
}

// StreamNaming derives a display name for an unnamed stream.
type StreamNaming struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId"`
	MessageID   string `json:"messageId"`
}

func (StreamNaming) Queue() string { return QueueStreamNaming }

func (p StreamNaming) Validate() error {
	return required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "streamId": p.StreamID, "messageId": p.MessageID})
}

// MessageEmbed generates the search embedding of a message.
type MessageEmbed struct {
	WorkspaceID string `json:"workspaceId"`
	MessageID   string `json:"messageId"`
	Edited      bool   `json:"edited,omitempty"`
}

func (MessageEmbed) Queue() string { return QueueMessageEmbed }

func (p MessageEmbed) Validate() error {
	return required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "messageId": p.MessageID})
}

// BoundaryExtract detects conversation boundaries around a new message.
type BoundaryExtract struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId"`
	MessageID   string `json:"messageId"`
}

func (BoundaryExtract) Queue() string { return QueueBoundaryExtract }

func (p BoundaryExtract) Validate() error {
	return required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "streamId": p.StreamID, "messageId": p.MessageID})
}

// MemoAccumulate folds a message into the stream's running memo.
type MemoAccumulate struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId"`
	MessageID   string `json:"messageId"`
}

func (MemoAccumulate) Queue() string { return QueueMemoAccumulate }

func (p MemoAccumulate) Validate() error {
	return required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "streamId": p.StreamID, "messageId": p.MessageID})
}

// CommandExecute runs a slash command issued in a stream.
type CommandExecute struct {
	WorkspaceID string          `json:"workspaceId"`
	StreamID    string          `json:"streamId"`
	CommandID   string          `json:"commandId"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
}

func (CommandExecute) Queue() string { return QueueCommandExecute }

func (p CommandExecute) Validate() error {
	return required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "commandId": p.CommandID, "name": p.Name})
}

// PersonaMention invokes every persona mentioned in a message.
type PersonaMention struct {
	WorkspaceID string   `json:"workspaceId"`
	StreamID    string   `json:"streamId"`
	MessageID   string   `json:"messageId"`
	PersonaIDs  []string `json:"personaIds"`
}

func (PersonaMention) Queue() string { return QueuePersonaMention }

func (p PersonaMention) Validate() error {
	if err := required(p.Queue(), map[string]string{"workspaceId": p.WorkspaceID, "streamId": p.StreamID, "messageId": p.MessageID}); err != nil {
		return err
	}
	if len(p.PersonaIDs) == 0 {
		return fmt.Errorf("jobs: %s: personaIds required", p.Queue())
	}
	return nil
}

// AttachmentPrepare inspects an uploaded attachment and fans out per-page work.
type AttachmentPrepare struct {
	WorkspaceID  string `json:"workspaceId"`
	AttachmentID string `json:"attachmentId"`
	MimeType     string `json:"mimeType"`
	StorageKey   string `json:"storageKey"`
	PageCount    int    `json:"pageCount,omitempty"`
}

func (AttachmentPrepare) Queue() string { return QueueAttachmentPrepare }

func (p AttachmentPrepare) Validate() error {
	if err := required(p.Queue(), map[string]string{"attachmentId": p.AttachmentID, "storageKey": p.StorageKey}); err != nil {
		return err
	}
	if p.PageCount < 0 {
		return fmt.Errorf("jobs: %s: pageCount must be >= 0", p.Queue())
	}
	return nil
}

// AttachmentPage processes a single page of a prepared attachment.
type AttachmentPage struct {
	AttachmentID string `json:"attachmentId"`
	StorageKey   string `json:"storageKey"`
	Page         int    `json:"page"`
}

func (AttachmentPage) Queue() string { return QueueAttachmentPage }

func (p AttachmentPage) Validate() error {
	if err := required(p.Queue(), map[string]string{"attachmentId": p.AttachmentID}); err != nil {
		return err
	}
	if p.Page < 1 {
		return fmt.Errorf("jobs: %s: page must be >= 1", p.Queue())
	}
	return nil
}

// AttachmentAssemble finalises an attachment once every page is done.
type AttachmentAssemble struct {
	AttachmentID string `json:"attachmentId"`
}

func (AttachmentAssemble) Queue() string { return QueueAttachmentAssemble }

func (p AttachmentAssemble) Validate() error {
	return required(p.Queue(), map[string]string{"attachmentId": p.AttachmentID})
}

// Attachment is implemented by payloads that belong to an attachment pipeline.
type Attachment interface {
	Payload
	Attachment() string
}

func (p AttachmentPrepare) Attachment() string  { return p.AttachmentID }
func (p AttachmentPage) Attachment() string     { return p.AttachmentID }
func (p AttachmentAssemble) Attachment() string { return p.AttachmentID }

var validators = map[string]func(json.RawMessage) error{
	QueueCompanionRespond:   validateAs[CompanionRespond],
	QueueStreamNaming:       validateAs[StreamNaming],
	QueueMessageEmbed:       validateAs[MessageEmbed],
	QueueBoundaryExtract:    validateAs[BoundaryExtract],
	QueueMemoAccumulate:     validateAs[MemoAccumulate],
	QueueCommandExecute:     validateAs[CommandExecute],
	QueuePersonaMention:     validateAs[PersonaMention],
	QueueAttachmentPrepare:  validateAs[AttachmentPrepare],
	QueueAttachmentPage:     validateAs[AttachmentPage],
	QueueAttachmentAssemble: validateAs[AttachmentAssemble],
}

func validateAs[T Payload](raw json.RawMessage) error {
	_, err := Decode[T](raw)
	return err
}

// Known reports whether a schema exists for the queue.
func Known(queue string) bool {
	_, ok := validators[queue]
	return ok
}

// Validate checks raw against the schema registered for queue. Queues without a schema
// are accepted as-is.
func Validate(queue string, raw json.RawMessage) error {
	validate, ok := validators[queue]
	if !ok {
		return nil
	}
	return validate(raw)
}

// Decode unmarshals and validates raw as T.
func Decode[T Payload](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, fmt.Errorf("jobs: %s: empty payload", out.Queue())
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("jobs: %s: decode payload: %w", out.Queue(), err)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// Encode validates and marshals a payload.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("jobs: nil payload")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("jobs: %s: encode payload: %w", p.Queue(), err)
	}
	return json.RawMessage(data), nil
}
