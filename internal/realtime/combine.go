package realtime

import "context"

// CombineLatest joins two streams. Once both have produced a value it emits combine(latestA,
// latestB) and re-emits whenever either side changes. The output closes when either input closes
// or ctx is done.
func CombineLatest[A, B, R any](ctx context.Context, a <-chan A, b <-chan B, combine func(A, B) R) <-chan R {
	out := make(chan R)
	go func() {
		defer close(out)
		var (
			latestA A
			latestB B
			haveA   bool
			haveB   bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case value, ok := <-a:
				if !ok {
					return
				}
				latestA, haveA = value, true
			case value, ok := <-b:
				if !ok {
					return
				}
				latestB, haveB = value, true
			}
			if !haveA || !haveB {
				continue
			}
			select {
			case out <- combine(latestA, latestB):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
