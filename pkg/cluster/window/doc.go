/*
Package window implements the sliding-window counter the token server uses
to admit cluster flow requests.

A Window splits an interval into sampleCount buckets of equal length. Each
bucket remembers the start time of the lap it belongs to and is reset
lazily the first time it is touched in a new lap, so an idle window costs
nothing. The admission check sums the live buckets:

	w, err := window.New(10, 1000, nil) // 10 buckets of 100ms
	if err != nil {
		return err
	}

	if ok, remaining := w.TryPass(1, threshold); ok {
		// granted, remaining tokens left in this interval
	}

Prioritized callers that do not fit may borrow capacity from a bucket that
starts within a bounded wait:

	if wait, ok := w.TryOccupyNext(1, threshold, 500); ok {
		// proceed after wait milliseconds
	}

Borrowed capacity counts against later TryPass calls until its bucket
starts, at which point it becomes part of that bucket's pass count.
*/
package window
