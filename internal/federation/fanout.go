package federation

import (
	"context"
	"sync"
	"time"

	"keydirectory/internal/dto"
)

// Result pairs one destination with its outcome. Each fanned-out unit writes
// only its own slot, so no locking is needed and no completion order is
// assumed.
type Result[T any] struct {
	Destination string
	Response    T
	Err         error
}

// FanOut performs one attempt per destination concurrently and waits for all
// of them. A failing destination never cancels or delays the others; its
// error is captured in its Result slot. timeout, when positive, bounds each
// destination's attempt independently.
func FanOut[T any](ctx context.Context, destinations []string, timeout time.Duration, perform func(ctx context.Context, destination string) (T, error)) []Result[T] {
	results := make([]Result[T], len(destinations))
	var wg sync.WaitGroup
	for i, destination := range destinations {
		wg.Add(1)
		go func(i int, destination string) {
			defer wg.Done()
			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			response, err := perform(callCtx, destination)
			results[i] = Result[T]{Destination: destination, Response: response, Err: err}
		}(i, destination)
	}
	wg.Wait()
	return results
}

// Fold merges fan-out results: successes are handed to onSuccess, failures
// are classified into the returned per-destination failure map. The map is
// never nil so empty failures serialize as {}.
func Fold[T any](results []Result[T], onSuccess func(destination string, response T)) map[string]dto.Failure {
	failures := make(map[string]dto.Failure)
	for _, result := range results {
		if result.Err != nil {
			failures[result.Destination] = FailureFromError(result.Err)
			continue
		}
		onSuccess(result.Destination, result.Response)
	}
	return failures
}
