package fsm

import (
	"sync"
	"time"
)

type proposal struct {
	term       uint64
	index      uint64
	notifier   chan Res
	proposedAt time.Time
}

// ProposalQueue correlates in-flight proposals with the committed entries
// that eventually resolve them. It is a FIFO: proposals are enqueued at
// propose time in (term, index) order and matched against committed entries
// in the same order (component 4.C).
type ProposalQueue struct {
	mu sync.Mutex
	q  []proposal
}

// NewProposalQueue returns an empty proposal queue.
func NewProposalQueue() *ProposalQueue {
	return &ProposalQueue{}
}

// Enqueue records a proposal just accepted by consensus.
func (p *ProposalQueue) Enqueue(term, index uint64, notifier chan Res) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.q = append(p.q, proposal{term: term, index: index, notifier: notifier, proposedAt: time.Now()})
}

// Match drains the queue front while its term is behind t (those proposals
// were superseded by a term change and their notifiers are dropped
// silently), then checks whether the new front corresponds to (index, term).
// If it matches, the proposal is popped and its notifier returned so the
// caller can resolve it; if not — the entry at (index, term) was never
// proposed through this queue (e.g. committed by another leader) — ok is
// false and the queue is left untouched.
func (p *ProposalQueue) Match(index, term uint64) (notifier chan Res, proposedAt time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.q) > 0 && p.q[0].term < term {
		p.q = p.q[1:]
	}
	if len(p.q) == 0 {
		return nil, time.Time{}, false
	}
	front := p.q[0]
	if front.term > term || front.index > index {
		return nil, time.Time{}, false
	}
	// front.index can trail index when the log holds entries this queue never
	// saw (the predicted index only counts local proposals); pop it
	// regardless so a mismatched index never wedges the queue on a stale
	// front.
	p.q = p.q[1:]
	return front.notifier, front.proposedAt, true
}

// Len reports the current queue depth, used for the proposal-queue-depth
// gauge.
func (p *ProposalQueue) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}
