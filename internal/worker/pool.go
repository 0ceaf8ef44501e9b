package worker

import "sync"

// Completed carries the outcome of one unit of work out of the pool.
type Completed[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with at most maxWorkers goroutines and reports each
// outcome on completed. The queue must already be closed by the caller; the
// completed channel is closed once every task has been processed. Tasks are
// independent, so no ordering is preserved between queue and completed.
func RunInPool[In any, Out any](work func(In) (Out, error), queue chan In, completed chan Completed[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					next, ok := <-queue
					if !ok {
						return
					}

					res, err := work(next)
					if err != nil {
						completed <- Completed[Out]{Error: err}
					} else {
						completed <- Completed[Out]{Result: res, Error: nil}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
