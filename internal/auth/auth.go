// Package auth gates the facilitator's administrative endpoints (dispute
// resolution, settlement retries, reconciliation triggers) behind a single
// shared bearer secret. Agent-facing endpoints authenticate a request by the
// canonical signature carried on the Authorization payload itself (see
// internal/ledger), not by a separate credential, so there is no per-agent
// key material to issue or store here.
package auth

import "errors"

// ErrNoAdminSecret means the facilitator was not configured with an admin
// secret, so every admin request is rejected regardless of credentials.
var ErrNoAdminSecret = errors.New("auth: admin secret not configured")
