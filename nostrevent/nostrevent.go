// Package nostrevent carries the event/filter/tag types the rest of the SDK
// builds on. It re-exports go-nostr's wire types rather than redefining
// them — the teacher repo and the rest of the retrieved pack all treat
// nbd-wtf/go-nostr as the canonical Nostr wire model in Go — and adds the
// match predicate and deduplication-key helpers spec.md §4.3 assigns to
// this layer.
package nostrevent

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Event, Filter, Filters, Tag, Tags, and TagMap are the wire types every
// other package in this module speaks in terms of.
type (
	Event     = nostr.Event
	Filter    = nostr.Filter
	Filters   = nostr.Filters
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	TagMap    = nostr.TagMap
)

// Replaceable kind ranges, spec.md §3.
const (
	ReplaceableMin              = 10000
	ReplaceableMax              = 19999
	ParameterizedReplaceableMin = 30000
	ParameterizedReplaceableMax = 39999
)

// Session-relevant kinds, spec.md §4.10.
const (
	KindContacts      = 3
	KindMuteList      = 10000
	KindBlockedRelays = 10001
	KindRelayList     = 10002
)

// IsReplaceable reports whether kind is replaceable (0, 3, or 10000-19999).
func IsReplaceable(kind int) bool {
	if kind == 0 || kind == 3 {
		return true
	}
	return kind >= ReplaceableMin && kind <= ReplaceableMax
}

// IsParameterizedReplaceable reports whether kind is in the
// parameterized-replaceable range (30000-39999).
func IsParameterizedReplaceable(kind int) bool {
	return kind >= ParameterizedReplaceableMin && kind <= ParameterizedReplaceableMax
}

// DTag returns the value of the first "d" tag on ev, or "" if absent. Used
// to compute the parameterized-replaceable dedup key.
func DTag(ev *Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// DedupKey is the deduplication key of spec.md §3: the event id for regular
// events, (pubkey,kind) for replaceable events, and (pubkey,kind,d) for
// parameterized-replaceable events.
func DedupKey(ev *Event) string {
	switch {
	case IsParameterizedReplaceable(ev.Kind):
		return ev.PubKey + "|" + strconv.Itoa(ev.Kind) + "|" + DTag(ev)
	case IsReplaceable(ev.Kind):
		return ev.PubKey + "|" + strconv.Itoa(ev.Kind)
	default:
		return ev.ID
	}
}

// Matches reports whether ev satisfies filter: the logical AND of every
// populated field, with OR semantics within a field. Tag constraints are
// restricted to single-letter names per protocol, matched against each
// tag's first value.
func Matches(ev *Event, filter Filter) bool {
	if len(filter.IDs) > 0 && !containsString(filter.IDs, ev.ID) {
		return false
	}
	if len(filter.Authors) > 0 && !containsString(filter.Authors, ev.PubKey) {
		return false
	}
	if len(filter.Kinds) > 0 && !containsInt(filter.Kinds, ev.Kind) {
		return false
	}
	if filter.Since != nil && ev.CreatedAt < *filter.Since {
		return false
	}
	if filter.Until != nil && ev.CreatedAt > *filter.Until {
		return false
	}
	for name, values := range filter.Tags {
		if !eventHasTagValue(ev, name, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether ev matches at least one filter in filters, the
// OR-of-filters semantics a subscription's filter list uses.
func MatchesAny(ev *Event, filters Filters) bool {
	for _, f := range filters {
		if Matches(ev, f) {
			return true
		}
	}
	return false
}

func eventHasTagValue(ev *Event, name string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		if containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
