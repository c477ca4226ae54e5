package exchange

import (
	"context"
)

// DefaultMaxConcurrent caps in-flight outbound introspections and
// exchanges when no limit is configured.
const DefaultMaxConcurrent = 10

// Admission is a FIFO gate over outbound peer calls. A caller whose
// deadline expires while queued is dropped without admission.
type Admission struct {
	slots chan struct{}
}

func NewAdmission(max int) *Admission {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Admission{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot frees or the context ends.
func (a *Admission) Acquire(ctx context.Context) error {
	select {
	case a.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrNoCapacity
	}
}

func (a *Admission) Release() {
	<-a.slots
}

// InFlight reports the current number of admitted calls.
func (a *Admission) InFlight() int {
	return len(a.slots)
}
