package domain

import "testing"

// TestMatchesFilter verifies the shared prefix-filter rule used by webhook
// subscriptions and realtime connections
func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		event  EventType
		want   bool
	}{
		{"wildcard", "*", EventMessagesUpsert, true},
		{"empty filter matches all", "", EventPresenceUpdate, true},
		{"exact prefix", "wa.messages", EventMessagesUpsert, true},
		{"prefix excludes other namespace", "wa.messages", EventPresenceUpdate, false},
		{"comma separated second entry", "wa.presence,wa.messages", EventMessagesUpsert, true},
		{"comma separated no match", "wa.presence,wa.calls", EventMessagesUpsert, false},
		{"whitespace tolerated", " wa.messages , wa.calls ", EventCallsUpsert, true},
		{"wildcard inside list", "wa.presence,*", EventMessagesDelete, true},
		{"full type as prefix", "wa.messages.upsert", EventMessagesUpsert, true},
		{"stray commas", ",,", EventMessagesUpsert, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesFilter(tt.filter, tt.event); got != tt.want {
				t.Errorf("MatchesFilter(%q, %q) = %v, want %v", tt.filter, tt.event, got, tt.want)
			}
		})
	}
}
