package threading

import (
	"sort"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// Options tune grouping and summaries.
type Options struct {
	// Window bounds how far a message without references may be from a
	// thread's latest message and still join it by subject.
	Window time.Duration
	// SnippetLength is the snippet size in runes.
	SnippetLength int
}

func DefaultOptions() Options {
	return Options{Window: 30 * 24 * time.Hour, SnippetLength: 100}
}

// Component is one conversation: its messages in ascending date order.
type Component struct {
	Messages []*models.Message
}

// Root is the earliest message of the component.
func (c Component) Root() *models.Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[0]
}

// Latest is the most recent message of the component.
func (c Component) Latest() *models.Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string), rank: make(map[string]int)}
}

func (u *unionFind) add(k string) {
	if _, ok := u.parent[k]; !ok {
		u.parent[k] = k
	}
}

func (u *unionFind) find(k string) string {
	u.add(k)
	for u.parent[k] != k {
		u.parent[k] = u.parent[u.parent[k]]
		k = u.parent[k]
	}
	return k
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// group is a component under construction.
type group struct {
	members []*models.Message
	latest  time.Time
	subject string
	hasRefs bool
}

// Group partitions msgs into conversations. Reference edges (In-Reply-To and
// consecutive References pairs, the last reference linking to the message
// itself) are merged with union-find, including referenced IDs that are not
// in msgs. A message without references that is still alone afterwards joins
// the nearest thread with the same normalized subject whose latest message is
// within opts.Window; undated messages never match by subject.
func Group(msgs []*models.Message, opts Options) []Component {
	if len(msgs) == 0 {
		return nil
	}
	uf := newUnionFind()
	keys := make([]string, len(msgs))
	for i, m := range msgs {
		key := m.IdentityKey
		if key == "" {
			key = IdentityKey(m)
		}
		keys[i] = key
		uf.add(key)

		if parent := NormalizeMessageID(m.InReplyTo); parent != "" {
			uf.union(key, parent)
		}
		var prev string
		for _, ref := range m.References {
			ref = NormalizeMessageID(ref)
			if ref == "" {
				continue
			}
			if prev != "" {
				uf.union(prev, ref)
			}
			prev = ref
		}
		if prev != "" {
			uf.union(prev, key)
		}
	}

	byRoot := make(map[string]*group)
	var order []*group
	for i, m := range msgs {
		root := uf.find(keys[i])
		g, ok := byRoot[root]
		if !ok {
			g = &group{}
			byRoot[root] = g
			order = append(order, g)
		}
		g.members = append(g.members, m)
		if d := m.LatestDate(); d.After(g.latest) {
			g.latest = d
		}
		if hasReferences(m) {
			g.hasRefs = true
		}
	}
	for _, g := range order {
		sortByDate(g.members)
		g.subject = NormalizeSubject(g.members[0].Subject)
	}

	bySubject := make(map[string][]*group)
	for _, g := range order {
		if g.subject != "" {
			bySubject[g.subject] = append(bySubject[g.subject], g)
		}
	}

	loners := make([]*group, 0)
	for _, g := range order {
		if len(g.members) == 1 && !g.hasRefs && g.subject != "" && !g.latest.IsZero() {
			loners = append(loners, g)
		}
	}
	sort.SliceStable(loners, func(i, j int) bool { return loners[i].latest.Before(loners[j].latest) })

	merged := make(map[*group]bool)
	for _, g := range loners {
		if merged[g] || len(g.members) != 1 {
			continue
		}
		date := g.latest
		var best *group
		var bestGap time.Duration
		for _, cand := range bySubject[g.subject] {
			if cand == g || merged[cand] || cand.latest.IsZero() {
				continue
			}
			gap := absDuration(date.Sub(cand.latest))
			if gap > opts.Window {
				continue
			}
			if best == nil || gap < bestGap {
				best, bestGap = cand, gap
			}
		}
		if best == nil {
			continue
		}
		best.members = append(best.members, g.members...)
		sortByDate(best.members)
		if date.After(best.latest) {
			best.latest = date
		}
		merged[g] = true
	}

	components := make([]Component, 0, len(order))
	for _, g := range order {
		if merged[g] {
			continue
		}
		components = append(components, Component{Messages: g.members})
	}
	sort.SliceStable(components, func(i, j int) bool {
		return lessByDate(components[i].Root(), components[j].Root())
	})
	return components
}

func hasReferences(m *models.Message) bool {
	if NormalizeMessageID(m.InReplyTo) != "" {
		return true
	}
	for _, ref := range m.References {
		if NormalizeMessageID(ref) != "" {
			return true
		}
	}
	return false
}

// messageDate orders messages; undated ones sort first.
func messageDate(m *models.Message) time.Time {
	if m.DateSent != nil {
		return *m.DateSent
	}
	if m.DateReceived != nil {
		return *m.DateReceived
	}
	return time.Time{}
}

func lessByDate(a, b *models.Message) bool {
	da, db := messageDate(a), messageDate(b)
	if !da.Equal(db) {
		return da.Before(db)
	}
	return a.IdentityKey < b.IdentityKey
}

func sortByDate(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return lessByDate(msgs[i], msgs[j]) })
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
