package qdevice

import "time"

const (
	DefaultBackoffMin        = time.Second
	DefaultBackoffMax        = 120 * time.Second
	DefaultBackoffResetAfter = 10 * time.Second
)

// Backoff computes the delays between reconnection attempts. The delay
// starts at Min and doubles up to Max; a session that stayed running for
// ResetAfter brings it back to Min.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	ResetAfter time.Duration

	next time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{
		Min:        DefaultBackoffMin,
		Max:        DefaultBackoffMax,
		ResetAfter: DefaultBackoffResetAfter,
	}
}

// Next returns the delay before the next attempt, given how long the last
// session stayed running.
func (b *Backoff) Next(ran time.Duration) time.Duration {
	if b.next == 0 || ran >= b.ResetAfter {
		b.next = b.Min
	}

	delay := b.next

	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}

	return delay
}

func (b *Backoff) Reset() {
	b.next = 0
}
