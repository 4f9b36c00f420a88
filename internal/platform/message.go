// Package platform defines the uniform adapter contract every messaging
// platform implements, the normalized message model, and the registry that
// wires adapters on demand from platform_connect frames.
package platform

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies the payload of a PlatformMessage.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindSticker  MessageKind = "sticker"
	KindCall     MessageKind = "call"
)

// MediaAttachment carries one media payload. Data and Thumbnail are
// base64-encoded on the wire (encoding/json does this for byte slices).
type MediaAttachment struct {
	Kind      MessageKind `json:"kind"`
	Filename  string      `json:"filename"`
	MimeType  string      `json:"mime_type"`
	Size      int64       `json:"size"`
	Data      []byte      `json:"data,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Thumbnail []byte      `json:"thumbnail,omitempty"`
}

// PlatformMessage is the normalized message model shared by every adapter.
// ID is unique within its platform namespace; Attachments preserves order.
type PlatformMessage struct {
	ID          string            `json:"id"`
	Platform    string            `json:"platform"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name"`
	ChatID      string            `json:"chat_id"`
	ChatName    string            `json:"chat_name,omitempty"`
	Content     string            `json:"content"`
	Kind        MessageKind       `json:"kind"`
	Attachments []MediaAttachment `json:"attachments,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Encrypted   bool              `json:"encrypted"`
}

// NewMessageID mints an id for locally originated messages. Platform-native
// ids are kept when the remote service assigns one.
func NewMessageID() string {
	return uuid.NewString()
}
