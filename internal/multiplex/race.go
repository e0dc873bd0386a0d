package multiplex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// raceCandidateBuffer is how many events a single candidate's collector can
// queue before a winner is chosen. No Delta reaches the client before a
// winner is picked, so every
// candidate — including the eventual winner — buffers from its first
// event; this cap bounds memory for a race that runs unusually long before
// any candidate produces a useful token.
const raceCandidateBuffer = 256

// raceStream invokes every candidate concurrently, declares the first to
// emit a "useful" token the winner, cancels the rest, and relays only the
// winner's events (preceded by whatever it buffered before winning).
func (m *Multiplexer) raceStream(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, hint *omentypes.RoutingHint, deadline time.Time, principalID string, budget MidStreamBudget) (<-chan omentypes.StreamEvent, error) {
	minUseful := hint.MinUsefulTokens
	if minUseful <= 0 {
		minUseful = m.cfg.MinUsefulTokens
	}

	out := make(chan omentypes.StreamEvent)
	go func() {
		defer close(out)
		m.runRace(ctx, req, candidates, minUseful, deadline, principalID, budget, out)
	}()
	return out, nil
}

type raceCandidateState struct {
	candidate  Candidate
	cancel     context.CancelFunc
	buf        chan omentypes.StreamEvent
	lastUsage  omentypes.Usage
	usageMu    sync.Mutex
	cancelledAt time.Time
	errored    bool
}

func (s *raceCandidateState) recordUsage(u omentypes.Usage) {
	s.usageMu.Lock()
	s.lastUsage = u
	s.usageMu.Unlock()
}

func (s *raceCandidateState) usage() omentypes.Usage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.lastUsage
}

func (m *Multiplexer) runRace(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, minUseful int, deadline time.Time, principalID string, budget MidStreamBudget, out chan<- omentypes.StreamEvent) {
	states := make([]*raceCandidateState, len(candidates))
	decided := make(chan int, len(candidates))
	var decideOnce sync.Once
	var winnerIdx = -1

	for i, c := range candidates {
		cctx, cancel, ch, err := invoke(ctx, c, req)
		st := &raceCandidateState{candidate: c, cancel: cancel, buf: make(chan omentypes.StreamEvent, raceCandidateBuffer)}
		states[i] = st
		if err != nil {
			st.errored = true
			close(st.buf)
			continue
		}
		go func(i int, cctx context.Context, ch <-chan omentypes.StreamEvent, st *raceCandidateState) {
			defer close(st.buf)
			for ev := range ch {
				if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
					st.recordUsage(*ev.Usage)
				}
				select {
				case st.buf <- ev:
				case <-cctx.Done():
					return
				}
				if ev.Kind == omentypes.EventDelta && ev.IsUseful(minUseful) {
					decideOnce.Do(func() { decided <- i })
				}
			}
		}(i, cctx, ch, st)
	}

	var deadlineCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case winnerIdx = <-decided:
	case <-deadlineCh:
		// No winner before max_latency_ms: degrade to single on the top
		// remaining candidate. The degradation is invisible to the client;
		// it is logged as strategy_degraded.
		winnerIdx = firstNonErrored(states)
		slog.Warn("strategy_degraded", "strategy", "race", "fallback", "single", "candidate_index", winnerIdx)
	case <-ctx.Done():
		for _, st := range states {
			if st.cancel != nil {
				st.cancel()
			}
		}
		return
	}

	now := time.Now()
	for i, st := range states {
		if i == winnerIdx || st.cancel == nil {
			continue
		}
		st.cancel()
		st.cancelledAt = now
	}

	if winnerIdx < 0 {
		sendEvent(ctx, out, omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderUnavailable, ErrorMessage: "every race candidate failed before producing a useful token"})
		return
	}

	m.relayRaceWinner(ctx, req, candidates, states, winnerIdx, principalID, budget, out)

	for i, st := range states {
		if i == winnerIdx {
			continue
		}
		m.commitPartial(st.candidate.ProviderID, st.candidate.ModelID, priceUsage(st.candidate.Descriptor, st.usage()))
	}
}

func firstNonErrored(states []*raceCandidateState) int {
	for i, st := range states {
		if !st.errored {
			return i
		}
	}
	return -1
}

// relayRaceWinner drains the winner's buffered+live events to out. If the
// winner terminates with an error before End, and PromoteLoserOnWinnerError
// is enabled and another candidate was cancelled within the grace window,
// a fresh invocation of that candidate is started and relaying continues
// from it — a new call, not a resumption of the cancelled stream, since the
// cancelled goroutine's upstream connection is already closed.
func (m *Multiplexer) relayRaceWinner(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, states []*raceCandidateState, winnerIdx int, principalID string, budget MidStreamBudget, out chan<- omentypes.StreamEvent) {
	st := states[winnerIdx]
	var finalUsage omentypes.Usage
	errored := false

	for ev := range st.buf {
		if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
			priced := priceUsage(st.candidate.Descriptor, *ev.Usage)
			ev.Usage = &priced
			finalUsage = priced
			if overBudget(budget, principalID, finalUsage.CostUSD) {
				sendEvent(ctx, out, omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrBudgetExceeded, ErrorMessage: "projected cost exceeds budget"})
				m.commitPartial(st.candidate.ProviderID, st.candidate.ModelID, finalUsage)
				return
			}
		}
		if ev.Kind == omentypes.EventError {
			errored = true
		}
		if !sendEvent(ctx, out, ev) {
			m.commitPartial(st.candidate.ProviderID, st.candidate.ModelID, finalUsage)
			return
		}
		if ev.Kind == omentypes.EventEnd {
			m.commitFinal(st.candidate.ProviderID, st.candidate.ModelID, finalUsage)
			return
		}
	}

	if !errored {
		m.commitFinal(st.candidate.ProviderID, st.candidate.ModelID, finalUsage)
		return
	}

	if m.cfg.PromoteLoserOnWinnerError {
		for i, other := range states {
			if i == winnerIdx || !withinGrace(other, m.cfg.RaceGraceWindow) {
				continue
			}
			cctx, cancel, ch, err := invoke(ctx, candidates[i], req)
			if err != nil {
				continue
			}
			defer cancel()
			for ev := range ch {
				if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
					priced := priceUsage(candidates[i].Descriptor, *ev.Usage)
					ev.Usage = &priced
					finalUsage = priced
				}
				if !sendEvent(cctx, out, ev) {
					return
				}
			}
			m.commitFinal(candidates[i].ProviderID, candidates[i].ModelID, finalUsage)
			return
		}
	}
	m.commitPartial(st.candidate.ProviderID, st.candidate.ModelID, finalUsage)
}

func withinGrace(st *raceCandidateState, grace time.Duration) bool {
	return !st.cancelledAt.IsZero() && time.Since(st.cancelledAt) < grace
}
