package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// fingerprintInput is the canonical form hashed into a fingerprint. Field order
// is fixed by the struct so the JSON encoding is stable.
type fingerprintInput struct {
	Messages []types.Message        `json:"messages"`
	Params   types.GenerationParams `json:"params"`
	Scope    string                 `json:"scope,omitempty"`
}

// Fingerprint identifies a request independent of which provider serves it.
// The scope keeps answers for different users or contexts apart.
func Fingerprint(messages []types.Message, params types.GenerationParams, scope string) string {
	data, _ := json.Marshal(fingerprintInput{Messages: messages, Params: params, Scope: scope})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintRequest is Fingerprint applied to a request.
func FingerprintRequest(req *types.GenerateRequest) string {
	return Fingerprint(req.Messages, req.Params, req.CacheScope)
}
