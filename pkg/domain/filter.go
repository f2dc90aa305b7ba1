package domain

import "strings"

// MatchesFilter reports whether an event type passes a consumer filter.
// A filter is "*" (everything) or a comma-separated list of type prefixes:
// "wa.messages" matches "wa.messages.upsert" but not "wa.presence.update".
// Webhook subscriptions and realtime connections use the same rule.
func MatchesFilter(filter string, t EventType) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == "*" {
		return true
	}
	for _, prefix := range strings.Split(filter, ",") {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if prefix == "*" || strings.HasPrefix(string(t), prefix) {
			return true
		}
	}
	return false
}
