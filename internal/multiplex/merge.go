package multiplex

import (
	"context"
	"sync"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// MergePolicy picks a winner among k completed responses. The default
// picks the longest coherent response.
type MergePolicy func(responses []candidateResponse) int

type candidateResponse struct {
	candidate Candidate
	response  *omentypes.ChatResponse
	err       error
}

// DefaultMergePolicy returns the index of the longest successful response.
func DefaultMergePolicy(responses []candidateResponse) int {
	best := -1
	bestLen := -1
	for i, r := range responses {
		if r.err != nil || r.response == nil {
			continue
		}
		if len(r.response.Content) > bestLen {
			bestLen = len(r.response.Content)
			best = i
		}
	}
	return best
}

// mergeComplete runs every candidate to completion via non-streaming
// ChatCompletion and merges the results under the merge policy. It is
// never invoked for a streaming request; internal/server rejects
// stream=true with strategy=parallel_merge before reaching here.
func (m *Multiplexer) mergeComplete(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, hint *omentypes.RoutingHint) (*omentypes.ChatResponse, error) {
	responses := make([]candidateResponse, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			resp, err := c.Adapter.ChatCompletion(ctx, cloneRequestForModel(req, c.ModelID))
			responses[i] = candidateResponse{candidate: c, response: resp, err: err}
		}(i, c)
	}
	wg.Wait()

	winnerIdx := DefaultMergePolicy(responses)

	for i, r := range responses {
		if i == winnerIdx || r.response == nil {
			continue
		}
		m.commitPartial(r.candidate.ProviderID, r.candidate.ModelID, priceUsage(r.candidate.Descriptor, r.response.Usage))
	}

	if winnerIdx < 0 {
		return nil, omentypes.NewError(omentypes.ErrProviderUnavailable, "every parallel_merge candidate failed")
	}
	winner := responses[winnerIdx]
	winner.response.Usage = priceUsage(winner.candidate.Descriptor, winner.response.Usage)
	m.commitFinal(winner.candidate.ProviderID, winner.candidate.ModelID, winner.response.Usage)
	return winner.response, nil
}
