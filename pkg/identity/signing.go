package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// BodyHash returns the lowercase hex SHA-256 of a request body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v into the canonical wire form used for hashing and
// signing: encoding/json with its sorted map keys and fixed struct field
// order. Callers must only pass values whose struct field order is part of
// the wire contract.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return data, nil
}

// HashJSON returns the lowercase hex SHA-256 of the canonical JSON of v.
func HashJSON(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RequestMessage builds the byte string signed on authenticated HTTP
// operations: "agentId|timestamp|nonce|bodyHash".
func RequestMessage(agentID, timestamp, nonce, bodyHash string) []byte {
	return []byte(agentID + "|" + timestamp + "|" + nonce + "|" + bodyHash)
}

// LedgerMessage builds the byte string signed on every ordering record:
// "seq|prevHash|payloadHash|timestamp".
func LedgerMessage(seq uint64, prevHash, payloadHash string, timestampMs int64) []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%d", seq, prevHash, payloadHash, timestampMs))
}

// GossipMessageBytes builds the byte string signed on gossip envelopes:
// "type|origin|seq|ttl|bodyHash".
func GossipMessageBytes(msgType, origin string, seq uint64, ttlMs int64, bodyHash string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%d|%s", msgType, origin, seq, ttlMs, bodyHash))
}
