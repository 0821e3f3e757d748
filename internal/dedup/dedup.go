// Package dedup provides the inbound message idempotency guard.
//
// The messaging provider delivers webhooks at least once; duplicate
// deliveries of the same provider message id are expected behavior, not
// an error. The guard collapses them with a single atomic conditional
// set per id, so two near-simultaneous deliveries cannot both observe
// "not yet processed".
package dedup

import (
	"context"
	"time"
)

// TTL is how long a processed message id is remembered. Provider
// redelivery windows are well inside 48 hours.
const TTL = 48 * time.Hour

// Guard deduplicates inbound provider message ids.
//
// CheckAndMark returns true exactly once per message id within the TTL
// window: the first caller wins and the id is marked processed in the
// same operation. If the backing store is unreachable the guard fails
// open (returns true, logs a degraded-mode condition) — duplicate
// processing is preferable to total outage.
type Guard interface {
	CheckAndMark(ctx context.Context, messageID string) bool
}
