package membership

import "sort"

// broadcastItem is one pending update waiting to be piggybacked on outgoing
// pings/acks, with a remaining retransmit budget.
type broadcastItem struct {
	update     UpdateMsg
	sendsLeft  int
}

// broadcastQueue bounds how many times each update gets retransmitted to
// roughly λ·log(N), per spec.md §4.4, instead of gossiping every update
// forever (which would never converge to O(log N) message complexity).
type broadcastQueue struct {
	items []*broadcastItem
}

// enqueue adds or replaces the pending broadcast for a member, resetting
// its retransmit budget. A newer update about the same member supersedes
// any still-pending older one rather than sending both.
func (q *broadcastQueue) enqueue(u UpdateMsg, maxSends int) {
	for i, it := range q.items {
		if it.update.Member == u.Member {
			q.items[i] = &broadcastItem{update: u, sendsLeft: maxSends}
			return
		}
	}
	q.items = append(q.items, &broadcastItem{update: u, sendsLeft: maxSends})
}

// take selects up to n pending updates to piggyback on one outgoing
// message, preferring updates with the most retransmits remaining (i.e.
// the ones least likely to have already reached the recipient through
// another path), and decrements their budget.
func (q *broadcastQueue) take(n int) []UpdateMsg {
	sort.Slice(q.items, func(i, j int) bool {
		return q.items[i].sendsLeft > q.items[j].sendsLeft
	})

	var out []UpdateMsg
	var kept []*broadcastItem
	for _, it := range q.items {
		if len(out) < n {
			out = append(out, it.update)
			it.sendsLeft--
		}
		if it.sendsLeft > 0 {
			kept = append(kept, it)
		}
	}
	q.items = kept
	return out
}

const maxPiggybackPerMessage = 8
