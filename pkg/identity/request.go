package identity

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Headers carried on signed HTTP operations.
const (
	HeaderAgentID   = "x-agent-id"
	HeaderTimestamp = "x-timestamp"
	HeaderNonce     = "x-nonce"
	HeaderSignature = "x-signature"
)

// RequestSignature holds the four header values that authenticate a signed
// HTTP call: the signature covers agentId|timestamp|nonce|bodyHash.
type RequestSignature struct {
	AgentID   string
	Timestamp string
	Nonce     string
	Signature string
}

// SignRequest produces fresh headers for one call. The nonce is single-use;
// the receiver rejects replays and stale timestamps.
func SignRequest(key *Key, agentID string, body []byte) RequestSignature {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := uuid.NewString()
	sig := key.Sign(RequestMessage(agentID, ts, nonce, BodyHash(body)))
	return RequestSignature{AgentID: agentID, Timestamp: ts, Nonce: nonce, Signature: sig}
}

// Apply sets the signature headers on an outgoing request.
func (rs RequestSignature) Apply(h http.Header) {
	h.Set(HeaderAgentID, rs.AgentID)
	h.Set(HeaderTimestamp, rs.Timestamp)
	h.Set(HeaderNonce, rs.Nonce)
	h.Set(HeaderSignature, rs.Signature)
}

// FromRequest extracts the signature headers from an incoming request.
func FromRequest(h http.Header) RequestSignature {
	return RequestSignature{
		AgentID:   h.Get(HeaderAgentID),
		Timestamp: h.Get(HeaderTimestamp),
		Nonce:     h.Get(HeaderNonce),
		Signature: h.Get(HeaderSignature),
	}
}

// VerifyRequest checks a request signature against the agent's public key
// and the actual body bytes. maxSkew bounds how stale the timestamp may be.
func VerifyRequest(publicKeyB64 string, rs RequestSignature, body []byte, maxSkew time.Duration) error {
	ms, err := strconv.ParseInt(rs.Timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if skew := time.Since(time.UnixMilli(ms)); skew > maxSkew || skew < -maxSkew {
		return ErrStaleTimestamp
	}
	return Verify(publicKeyB64, PurposeAgent, RequestMessage(rs.AgentID, rs.Timestamp, rs.Nonce, BodyHash(body)), rs.Signature)
}
