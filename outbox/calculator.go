package outbox

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/pool"
)

// RelayGoalPerAuthor is the default g in spec.md §4.9: how many of an
// author's write-relays a subscription tries to cover.
const RelayGoalPerAuthor = 2

// Calculator computes which relays a subscription's filters should attach
// to, using the Tracker's cache and a configurable connected-relay goal.
// Grounded on spec.md §4.9's two-pass greedy description. samber/lo's
// helpers dedupe the author set (lo.Uniq) and collect the selected relays
// (lo.Keys); the reverse-frequency tie-break is a sort.SliceStable.
type Calculator struct {
	tracker            *Tracker
	mainPool           *pool.Pool
	outboxEnabled      bool
	relayGoalPerAuthor int
}

// NewCalculator creates a Calculator. If outboxEnabled is false, Resolve
// always returns mainPool's connected set, matching spec.md §4.9's
// disabled-model shortcut.
func NewCalculator(tracker *Tracker, mainPool *pool.Pool, outboxEnabled bool) *Calculator {
	return &Calculator{
		tracker:            tracker,
		mainPool:           mainPool,
		outboxEnabled:      outboxEnabled,
		relayGoalPerAuthor: RelayGoalPerAuthor,
	}
}

// WithRelayGoalPerAuthor overrides the default coverage goal.
func (c *Calculator) WithRelayGoalPerAuthor(g int) *Calculator {
	c.relayGoalPerAuthor = g
	return c
}

func connectedURLs(p *pool.Pool) []string {
	var urls []string
	for _, r := range p.Connected() {
		urls = append(urls, r.URL)
	}
	return urls
}

// Resolve computes the relay URL set a subscription with these filters
// should attach to, and kicks off asynchronous Fetch calls (via
// tracker.FetchAsync) for every author whose relay list is not cached.
func (c *Calculator) Resolve(ctx context.Context, filters nostrevent.Filters) []string {
	connected := connectedURLs(c.mainPool)

	if !c.outboxEnabled {
		return connected
	}

	authors := uniqueAuthors(filters)
	if len(authors) == 0 {
		return connected
	}

	connectedSet := make(map[string]bool, len(connected))
	for _, u := range connected {
		connectedSet[u] = true
	}

	writeRelays := make(map[string][]string, len(authors)) // author -> write relays
	var uncovered []string
	for _, author := range authors {
		if rl, ok := c.tracker.Get(author); ok {
			writeRelays[author] = rl.Write
		} else {
			writeRelays[author] = nil
			uncovered = append(uncovered, author)
		}
	}

	coverage := make(map[string]int, len(authors)) // author -> relays selected so far
	selected := make(map[string]bool)

	// Pass 1: prefer already-connected relays.
	for _, author := range authors {
		for _, url := range writeRelays[author] {
			if coverage[author] >= c.relayGoalPerAuthor {
				break
			}
			if connectedSet[url] && !selected[url] {
				selected[url] = true
			}
			if connectedSet[url] {
				coverage[author]++
			}
		}
	}

	// Pass 2: fill the gap, tie-breaking by how many authors share a
	// candidate relay (reverse-frequency).
	remaining := make(map[string][]string, len(authors))
	frequency := make(map[string]int)
	for _, author := range authors {
		if coverage[author] >= c.relayGoalPerAuthor {
			continue
		}
		var candidates []string
		for _, url := range writeRelays[author] {
			if selected[url] {
				continue
			}
			candidates = append(candidates, url)
			frequency[url]++
		}
		remaining[author] = candidates
	}
	for _, author := range authors {
		need := c.relayGoalPerAuthor - coverage[author]
		if need <= 0 {
			continue
		}
		candidates := remaining[author]
		sort.SliceStable(candidates, func(i, j int) bool {
			return frequency[candidates[i]] > frequency[candidates[j]]
		})
		for _, url := range candidates {
			if need <= 0 {
				break
			}
			if selected[url] {
				continue
			}
			selected[url] = true
			coverage[author]++
			need--
		}
	}

	result := lo.Keys(selected)

	// Pass 3: fallback for an entirely-unknown author set.
	if len(result) == 0 {
		result = connected
	}

	for _, author := range uncovered {
		c.tracker.FetchAsync(ctx, author)
	}

	return result
}

func uniqueAuthors(filters nostrevent.Filters) []string {
	var all []string
	for _, f := range filters {
		all = append(all, f.Authors...)
	}
	return lo.Uniq(all)
}
