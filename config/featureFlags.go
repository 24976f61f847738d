package config

import (
	"os"
	"strings"
)

// OutboxDirectDelivery short-circuits the Pub/Sub publish step:
// the dispatcher marks records SENT without talking to Pub/Sub and logs the payload instead.
// Local/dev only.
//
// Set via env:
// - OUTBOX_DIRECT_DELIVERY=true
func OutboxDirectDelivery() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_DELIVERY")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictDocVerification makes clearance-stage checks verify that each required
// document's object actually exists in Cloud Storage, not just that a URL is recorded.
//
// Set via env:
// - STRICT_DOC_VERIFICATION=true
func StrictDocVerification() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_DOC_VERIFICATION")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
