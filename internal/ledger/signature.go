package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// canonicalPayload builds the pipe-joined payload that the authorization
// signature is computed over. Field order and presence are part of the
// wire contract; integers are rendered in base-10 without leading zeros.
func canonicalPayload(a Authorization) string {
	fields := []string{
		a.ID,
		a.AgentAddress,
		a.MerchantAddress,
		a.Amount,
		a.Currency,
		strconv.FormatInt(a.Timestamp, 10),
		strconv.FormatInt(a.ExpiresAt, 10),
		a.Nonce,
	}
	return strings.Join(fields, "|")
}

// Sign computes the canonical digest for an authorization. It is exported
// so an agent-side payment handler can produce the same signature the
// ledger will later verify.
func Sign(a Authorization) string {
	sum := sha256.Sum256([]byte(canonicalPayload(a)))
	return hex.EncodeToString(sum[:])
}

// verifySignature reports whether a.Signature matches the recomputed digest.
func verifySignature(a Authorization) bool {
	return Sign(a) == a.Signature
}
