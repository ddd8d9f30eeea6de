package domain

import "time"

// Usage summarises the work a warm job did.
type Usage struct {
	JobID         string
	ImagesBuilt   int
	ImagesCached  int
	ImagesFailed  int
	BytesWritten  int64
	ComputeTimeMS int64
	CreatedAt     time.Time
}

const (
	WarmStatusBuilt   = "built"
	WarmStatusCached  = "cached"
	WarmStatusSkipped = "skipped"
	WarmStatusFailed  = "failed"
)

// Tally adds one warm result to the usage totals.
func (u *Usage) Tally(r WarmResult) {
	switch r.Status {
	case WarmStatusBuilt:
		u.ImagesBuilt++
		u.BytesWritten += int64(r.Bytes)
	case WarmStatusCached:
		u.ImagesCached++
	case WarmStatusSkipped:
	default:
		u.ImagesFailed++
	}
}
