package storage

import "fmt"

// Key schema for Pebble storage:
//
//   wh:<webhookID>           → Webhook (active)
//   arc:<webhookID>          → Webhook (archived)
//   ord:<orderID>            → Order
//   evt:<timestamp>:<eventID> → Event
//
// Event timestamps are zero-padded (20 digits) so a prefix scan yields
// chronological order.

const (
	prefixWebhook  = "wh:"
	prefixArchived = "arc:"
	prefixOrder    = "ord:"
	prefixEvent    = "evt:"
)

func webhookKey(id string) []byte {
	return []byte(prefixWebhook + id)
}

func archivedKey(id string) []byte {
	return []byte(prefixArchived + id)
}

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func eventKey(timestamp int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixEvent, timestamp, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
