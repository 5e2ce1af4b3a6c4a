package dispatcher

import "time"

// Backoff computes retry delays as min(Base·2^n, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the delay before the retry following n attempts.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if d >= b.Cap || d > b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
