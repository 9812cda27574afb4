// Package escalation decides, for one obligation at one instant, which
// automatic lifecycle step is due. It performs no I/O.
package escalation

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
)

// Delays are measured from an obligation's created_at.
type Delays struct {
	Reminder   time.Duration
	Escalation time.Duration
}

// Policy is the priority lookup table plus the re-dispatch cap.
type Policy struct {
	Delays              map[obligation.Priority]Delays
	MaxDispatchAttempts int
}

const DefaultMaxDispatchAttempts = 5

func DefaultPolicy() Policy {
	return Policy{
		Delays: map[obligation.Priority]Delays{
			obligation.PriorityLow:    {Reminder: 72 * time.Hour, Escalation: 240 * time.Hour},
			obligation.PriorityNormal: {Reminder: 48 * time.Hour, Escalation: 168 * time.Hour},
			obligation.PriorityHigh:   {Reminder: 24 * time.Hour, Escalation: 96 * time.Hour},
			obligation.PriorityUrgent: {Reminder: 4 * time.Hour, Escalation: 24 * time.Hour},
		},
		MaxDispatchAttempts: DefaultMaxDispatchAttempts,
	}
}

// DelaysFor returns the delays for p, falling back to the default table when
// the policy has no row for it.
func (p Policy) DelaysFor(pr obligation.Priority) Delays {
	if d, ok := p.Delays[pr]; ok {
		return d
	}
	return DefaultPolicy().Delays[pr]
}

func (p Policy) maxAttempts() int {
	if p.MaxDispatchAttempts <= 0 {
		return DefaultMaxDispatchAttempts
	}
	return p.MaxDispatchAttempts
}

var ErrInvalidPolicy = errors.New("escalation: invalid policy")

// Validate checks every row is positive and reminds before it escalates.
func (p Policy) Validate() error {
	for pr, d := range p.Delays {
		if !pr.Valid() {
			return fmt.Errorf("%w: unknown priority %d", ErrInvalidPolicy, int(pr))
		}
		if d.Reminder <= 0 || d.Escalation <= 0 {
			return fmt.Errorf("%w: %s delays must be positive", ErrInvalidPolicy, pr)
		}
		if d.Escalation < d.Reminder {
			return fmt.Errorf("%w: %s escalates before it reminds", ErrInvalidPolicy, pr)
		}
	}
	if p.MaxDispatchAttempts < 0 {
		return fmt.Errorf("%w: max dispatch attempts must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Holder shares the current policy between the scheduler and a config
// watcher that swaps it on reload.
type Holder struct {
	v atomic.Pointer[Policy]
}

func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

func (h *Holder) Policy() Policy {
	return *h.v.Load()
}

func (h *Holder) Store(p Policy) {
	h.v.Store(&p)
}
