// Package transport delivers cache-filtered query packets over AMQP,
// adapted from the teacher's worker_pool.go request/response shape: one
// queue of inbound request packets, a bounded pool of goroutines
// processing them concurrently, and a reply published back to the
// packet's own reply-to queue.
package transport

import (
	"encoding/json"

	"github.com/google/uuid"
)

// RequestPacket is one query request delivered over the transport.
// SessionID identifies the client connection the query belongs to, so
// the dispatcher can route it to that connection's own Filter and keep
// its USE-database and transaction state intact across packets.
type RequestPacket struct {
	SessionID string `json:"session_id"`
	User      string `json:"user"`
	Host      string `json:"host"`
	DefaultDB string `json:"default_db"`
	Query     string `json:"query"`
}

// ResponsePacket is the reply sent back for a RequestPacket.
type ResponsePacket struct {
	Rows  []byte `json:"rows,omitempty"`
	Error string `json:"error,omitempty"`
}

// DecodeRequest parses a RequestPacket from its wire JSON encoding. A packet
// that omits session_id (a stateless client issuing one-off queries)
// gets a fresh session identity, since the dispatcher keys its Filter
// and storage.Token by SessionID and must never key two unrelated
// requests under the same empty string.
func DecodeRequest(body []byte) (RequestPacket, error) {
	var pkt RequestPacket
	if err := json.Unmarshal(body, &pkt); err != nil {
		return pkt, err
	}
	if pkt.SessionID == "" {
		pkt.SessionID = uuid.NewString()
	}
	return pkt, nil
}

// Encode serializes a ResponsePacket to its wire JSON encoding.
func (r ResponsePacket) Encode() ([]byte, error) {
	return json.Marshal(r)
}
