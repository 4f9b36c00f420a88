package gateway

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/cortexuvula/omnibridge/internal/security"
)

// Frame is a single JSON message on the WS wire. Clients control every key
// except "_meta", which the gateway sets on ingress.
type Frame = map[string]any

// Meta is the server-set trust annotation on a forwarded frame. Clients
// cannot spoof it: any client-supplied "_meta" is overwritten before the
// frame reaches the handler.
type Meta struct {
	ConnectionType string `json:"connection_type"`
	ClientID       string `json:"client_id"`
	IPAddress      string `json:"ip_address"`
	Authenticated  bool   `json:"authenticated"`
}

// Handler receives every tagged ingress frame. Installed via
// Server.RegisterHandler; this is the orchestrator bridge.
type Handler func(frame Frame)

// tagFrame stamps the connection's trust metadata onto the frame,
// replacing anything the client supplied.
func tagFrame(frame Frame, class security.ConnectionClass, clientID, peer string, authenticated bool) {
	frame["_meta"] = map[string]any{
		"connection_type": class.String(),
		"client_id":       clientID,
		"ip_address":      peer,
		"authenticated":   authenticated,
	}
}

// normalizePayload best-effort decodes an inbound payload as UTF-8 text.
// Invalid encodings coerce to the empty string rather than killing the
// read loop; the subsequent JSON parse rejects the frame.
func normalizePayload(data []byte) []byte {
	if !utf8.Valid(data) {
		return nil
	}
	return data
}

// errorFrame builds the uniform egress error frame.
func errorFrame(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}
