package platform

import (
	"context"
	"log/slog"
)

// Adapter is the uniform surface every platform implements. The failure
// signal is uniform too: nil message, empty path, or false — an adapter
// must not panic across this boundary, and it owns (and closes in
// Shutdown) any network session it opens.
type Adapter interface {
	// Initialize prepares the adapter, probing the external service if it
	// has one. Idempotent; false means the adapter is unusable.
	Initialize(ctx context.Context) bool

	// SendText delivers a text message. replyTo may be empty.
	SendText(ctx context.Context, chatID, text, replyTo string) *PlatformMessage

	// SendMedia delivers a media file of the given kind from a local path.
	SendMedia(ctx context.Context, chatID, path, caption string, kind MessageKind) *PlatformMessage

	// SendDocument delivers an arbitrary file as a document.
	SendDocument(ctx context.Context, chatID, path, caption string) *PlatformMessage

	// DownloadMedia fetches the media of a previously received message to
	// savePath, returning the final path or "" on failure.
	DownloadMedia(ctx context.Context, messageID, savePath string) string

	// MakeCall starts a voice (or video) call where the platform supports it.
	MakeCall(ctx context.Context, chatID string, video bool) bool

	// HandleWebhook parses a raw inbound webhook body into a normalized
	// message, or nil if the payload is not a message.
	HandleWebhook(ctx context.Context, raw []byte) *PlatformMessage

	// Shutdown releases every resource the adapter holds.
	Shutdown()
}

// InboundFunc receives normalized messages from adapters that get pushed
// traffic (webhooks, sockets). The registry wires it at connect time.
type InboundFunc func(platform string, msg *PlatformMessage)

// NoopAdapter answers the full contract with the uniform failure values.
// It backs unknown platform names so every declared platform stays
// reachable.
type NoopAdapter struct {
	Name string
}

func (n *NoopAdapter) Initialize(ctx context.Context) bool {
	slog.Warn("no-op adapter initialized", "platform", n.Name)
	return true
}

func (n *NoopAdapter) SendText(ctx context.Context, chatID, text, replyTo string) *PlatformMessage {
	return nil
}

func (n *NoopAdapter) SendMedia(ctx context.Context, chatID, path, caption string, kind MessageKind) *PlatformMessage {
	return nil
}

func (n *NoopAdapter) SendDocument(ctx context.Context, chatID, path, caption string) *PlatformMessage {
	return nil
}

func (n *NoopAdapter) DownloadMedia(ctx context.Context, messageID, savePath string) string {
	return ""
}

func (n *NoopAdapter) MakeCall(ctx context.Context, chatID string, video bool) bool {
	return false
}

func (n *NoopAdapter) HandleWebhook(ctx context.Context, raw []byte) *PlatformMessage {
	return nil
}

func (n *NoopAdapter) Shutdown() {}
