// Package segment maps timestamps onto coarse time buckets.
//
// Messages record the segment they were inserted in, and batch selection only reads segments
// that are at least Lag buckets behind its anchor so it never races an in-progress insert.
package segment

import "time"

const (
	// Width is the size of one bucket.
	Width = 125 * time.Millisecond
	// Lag is how many buckets behind the anchor a message must be to be batched.
	Lag = 2
)

// Of returns the bucket containing t.
func Of(t time.Time) int64 {
	return floorDiv(t.UnixMilli(), Width.Milliseconds())
}

// Eligible returns the newest segment a scan anchored at anchor may read.
func Eligible(anchor int64) int64 {
	return anchor - Lag
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
