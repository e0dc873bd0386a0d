package multiplex

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// speculateStream starts the top candidate immediately, joins candidates
// 2..k after a jittered delay, and switches the outbound stream to a later
// candidate if it looks measurably better before the current leader
// finishes.
func (m *Multiplexer) speculateStream(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, hint *omentypes.RoutingHint, deadline time.Time, principalID string, budget MidStreamBudget) (<-chan omentypes.StreamEvent, error) {
	out := make(chan omentypes.StreamEvent)
	go func() {
		defer close(out)
		m.runSpeculate(ctx, req, candidates, deadline, principalID, budget, out)
	}()
	return out, nil
}

type speculateState struct {
	candidate Candidate
	cancel    context.CancelFunc
	buf       chan omentypes.StreamEvent
	contentLen int
	sawToolCall bool
	finished   bool
	usage      omentypes.Usage
	mu         sync.Mutex
}

func (s *speculateState) observe(ev omentypes.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case omentypes.EventDelta:
		s.contentLen += len(ev.Text)
	case omentypes.EventToolCall:
		s.sawToolCall = true
	case omentypes.EventUsageUpdate:
		if ev.Usage != nil {
			s.usage = *ev.Usage
		}
	case omentypes.EventEnd, omentypes.EventError:
		s.finished = true
	}
}

func (s *speculateState) snapshot() (contentLen int, sawToolCall, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLen, s.sawToolCall, s.finished
}

func (s *speculateState) usageSnapshot() omentypes.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (m *Multiplexer) runSpeculate(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, deadline time.Time, principalID string, budget MidStreamBudget, out chan<- omentypes.StreamEvent) {
	states := make([]*speculateState, len(candidates))
	start := func(i int) {
		cctx, cancel, ch, err := invoke(ctx, candidates[i], req)
		st := &speculateState{candidate: candidates[i], cancel: cancel, buf: make(chan omentypes.StreamEvent, raceCandidateBuffer)}
		states[i] = st
		if err != nil {
			close(st.buf)
			return
		}
		go func() {
			defer close(st.buf)
			for ev := range ch {
				st.observe(ev)
				select {
				case st.buf <- ev:
				case <-cctx.Done():
					return
				}
			}
		}()
	}

	start(0)
	joinDelay := jitter(m.cfg.SpeculateDelayMin, m.cfg.SpeculateDelayMax)
	joinTimer := time.NewTimer(joinDelay)
	defer joinTimer.Stop()

	var deadlineCh <-chan time.Time
	if !deadline.IsZero() {
		dt := time.NewTimer(time.Until(deadline))
		defer dt.Stop()
		deadlineCh = dt.C
	}

	leader := 0
	joined := false

	defer func() {
		for i, st := range states {
			if st != nil && i != leader && st.cancel != nil {
				st.cancel()
			}
		}
	}()

	for {
		if states[leader] == nil {
			return
		}
		select {
		case ev, ok := <-states[leader].buf:
			if !ok {
				// leader finished or was cancelled without an End event;
				// nothing more to relay from it.
				if states[leader].cancel != nil {
					states[leader].cancel()
				}
				m.commitPartial(candidates[leader].ProviderID, candidates[leader].ModelID, priceUsage(candidates[leader].Descriptor, states[leader].usageSnapshot()))
				return
			}
			if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
				priced := priceUsage(candidates[leader].Descriptor, *ev.Usage)
				ev.Usage = &priced
				if overBudget(budget, principalID, priced.CostUSD) {
					states[leader].cancel()
					sendEvent(ctx, out, omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrBudgetExceeded, ErrorMessage: "projected cost exceeds budget"})
					m.commitPartial(candidates[leader].ProviderID, candidates[leader].ModelID, priced)
					return
				}
			}
			if !sendEvent(ctx, out, ev) {
				return
			}
			if ev.Kind == omentypes.EventEnd {
				m.commitFinal(candidates[leader].ProviderID, candidates[leader].ModelID, priceUsage(candidates[leader].Descriptor, states[leader].usageSnapshot()))
				return
			}
			if ev.Kind == omentypes.EventError {
				m.commitPartial(candidates[leader].ProviderID, candidates[leader].ModelID, priceUsage(candidates[leader].Descriptor, states[leader].usageSnapshot()))
				return
			}
			// A delta was just fully relayed: the end of a delta is the
			// only safe boundary to switch leaders at.
			if joined {
				if better, idx := m.findBetterCandidate(states, leader); better {
					m.switchLeader(ctx, candidates, states, &leader, idx, out)
				}
			}
		case <-joinTimer.C:
			if !joined {
				joined = true
				for i := 1; i < len(candidates); i++ {
					start(i)
				}
			}
		case <-deadlineCh:
			// Deadline elapsed with a leader already streaming: cancel the
			// rest and keep relaying the leader to completion rather than
			// degrading further, since a leader already exists.
			for i, st := range states {
				if st != nil && i != leader {
					st.cancel()
				}
			}
			deadlineCh = nil
		case <-ctx.Done():
			return
		}
	}
}

// findBetterCandidate applies the upgrade heuristic: a joined candidate
// that has already produced a tool call the leader hasn't, or has
// accumulated meaningfully more content than the leader while the leader
// is still running, is considered measurably better.
func (m *Multiplexer) findBetterCandidate(states []*speculateState, leader int) (bool, int) {
	leaderLen, leaderTool, leaderDone := states[leader].snapshot()
	if leaderDone {
		return false, -1
	}
	for i, st := range states {
		if i == leader || st == nil {
			continue
		}
		otherLen, otherTool, _ := st.snapshot()
		if otherTool && !leaderTool {
			return true, i
		}
		if otherLen > leaderLen*2 && otherLen > 64 {
			return true, i
		}
	}
	return false, -1
}

func (m *Multiplexer) switchLeader(ctx context.Context, candidates []Candidate, states []*speculateState, leader *int, newIdx int, out chan<- omentypes.StreamEvent) {
	old := *leader
	sendEvent(ctx, out, omentypes.StreamEvent{
		Kind:               omentypes.EventUpgrade,
		ProviderID:         candidates[newIdx].ProviderID,
		ModelID:            candidates[newIdx].ModelID,
		PreviousProviderID: candidates[old].ProviderID,
		PreviousModelID:    candidates[old].ModelID,
	})
	if states[old].cancel != nil {
		states[old].cancel()
	}
	m.commitPartial(candidates[old].ProviderID, candidates[old].ModelID, priceUsage(candidates[old].Descriptor, states[old].usageSnapshot()))
	*leader = newIdx
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
