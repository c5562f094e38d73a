package nostrevent

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestDedupKey(t *testing.T) {
	ts := nostr.Timestamp(1000)
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "regular event keys by id",
			ev:   Event{ID: "e1", Kind: 1, CreatedAt: ts},
			want: "e1",
		},
		{
			name: "replaceable event keys by pubkey+kind",
			ev:   Event{ID: "e2", PubKey: "pub", Kind: 3, CreatedAt: ts},
			want: "pub|3",
		},
		{
			name: "parameterized replaceable event keys by pubkey+kind+d",
			ev:   Event{ID: "e3", PubKey: "pub", Kind: 30001, CreatedAt: ts, Tags: Tags{{"d", "profile"}}},
			want: "pub|30001|profile",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupKey(&tt.ev))
		})
	}
}

func TestMatches(t *testing.T) {
	ev := Event{
		ID:     "e1",
		PubKey: "author1",
		Kind:   1,
		Tags:   Tags{{"p", "bob"}, {"t", "nostr"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter matches everything", filter: Filter{}, want: true},
		{name: "author match", filter: Filter{Authors: []string{"author1"}}, want: true},
		{name: "author mismatch", filter: Filter{Authors: []string{"someone-else"}}, want: false},
		{name: "kind match", filter: Filter{Kinds: []int{1, 2}}, want: true},
		{name: "kind mismatch", filter: Filter{Kinds: []int{7}}, want: false},
		{name: "tag match", filter: Filter{Tags: TagMap{"p": []string{"bob"}}}, want: true},
		{name: "tag mismatch", filter: Filter{Tags: TagMap{"p": []string{"carol"}}}, want: false},
		{
			name:   "AND across fields",
			filter: Filter{Authors: []string{"author1"}, Tags: TagMap{"t": []string{"nostr"}}},
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(&ev, tt.filter))
		})
	}
}

func TestMatchesAny(t *testing.T) {
	ev := Event{ID: "e1", Kind: 7}
	assert.True(t, MatchesAny(&ev, Filters{{Kinds: []int{1}}, {Kinds: []int{7}}}))
	assert.False(t, MatchesAny(&ev, Filters{{Kinds: []int{1}}, {Kinds: []int{2}}}))
}
