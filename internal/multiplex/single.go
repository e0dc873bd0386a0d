package multiplex

import (
	"context"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// singleStream invokes the top candidate and relays its events unchanged.
// If it terminates with a Transient error before any Delta was sent, and
// SingleRetryOnTransient is enabled, one retry against the next candidate
// is permitted.
func (m *Multiplexer) singleStream(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, deadline time.Time, principalID string, budget MidStreamBudget) (<-chan omentypes.StreamEvent, error) {
	out := make(chan omentypes.StreamEvent)
	go func() {
		defer close(out)

		runCtx := ctx
		var cancelDeadline context.CancelFunc
		if !deadline.IsZero() {
			runCtx, cancelDeadline = context.WithDeadline(ctx, deadline)
			defer cancelDeadline()
		}

		for i, c := range candidates {
			_, cancel, ch, err := invoke(runCtx, c, req)
			if err != nil {
				if i == 0 && len(candidates) > 1 && m.cfg.SingleRetryOnTransient && isRetriable(err) {
					continue
				}
				sendEvent(ctx, out, errorEvent(err))
				return
			}

			sentDelta := false
			sawEnd := false
			success := true
			var lastUsage omentypes.Usage
			for ev := range ch {
				if ev.Kind == omentypes.EventDelta {
					sentDelta = true
				}
				if ev.Kind == omentypes.EventEnd {
					sawEnd = true
				}
				if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
					priced := priceUsage(c.Descriptor, *ev.Usage)
					ev.Usage = &priced
					lastUsage = priced
					if overBudget(budget, principalID, priced.CostUSD) {
						cancel()
						sendEvent(ctx, out, omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrBudgetExceeded, ErrorMessage: "projected cost exceeds budget"})
						m.commitPartial(c.ProviderID, c.ModelID, priced)
						return
					}
				}
				if ev.Kind == omentypes.EventError && !sentDelta && i == 0 && len(candidates) > 1 && m.cfg.SingleRetryOnTransient && ev.ErrorKind.Retriable() {
					success = false
					break
				}
				if !sendEvent(ctx, out, ev) {
					cancel()
					m.commitPartial(c.ProviderID, c.ModelID, lastUsage)
					return
				}
			}
			cancel()
			if success && !sawEnd && runCtx.Err() == context.DeadlineExceeded {
				// The deadline cancelled the upstream call; the adapter
				// stopped without a terminal event, so the client still
				// needs one.
				sendEvent(ctx, out, omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrTimeout, ErrorMessage: "max_latency_ms elapsed before the provider finished", Retriable: true})
				m.commitPartial(c.ProviderID, c.ModelID, lastUsage)
				return
			}
			if success {
				m.commitFinal(c.ProviderID, c.ModelID, lastUsage)
				return
			}
			m.commitPartial(c.ProviderID, c.ModelID, lastUsage)
			// fall through to retry next candidate
		}
	}()
	return out, nil
}

func isRetriable(err error) bool {
	if oerr, ok := err.(*omentypes.Error); ok {
		return oerr.Kind.Retriable()
	}
	return false
}

func errorEvent(err error) omentypes.StreamEvent {
	if oerr, ok := err.(*omentypes.Error); ok {
		return omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: oerr.Kind, ErrorMessage: oerr.Message, Retriable: oerr.Kind.Retriable()}
	}
	return omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrInternal, ErrorMessage: err.Error()}
}

func overBudget(budget MidStreamBudget, principalID string, projectedCost float64) bool {
	if budget == nil || principalID == "" {
		return false
	}
	remaining, ok := budget.Remaining(principalID)
	if !ok {
		return false
	}
	return projectedCost > remaining
}
