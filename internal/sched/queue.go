// Package sched implements the three strict-priority FIFO queues that
// back a devqueue Manager: high, normal and low. It deliberately has
// no locking of its own — the Manager guards all of sched's state
// with its single mutex, exactly as spec.md section 5 describes ("one
// mutex protects the three priority queues"). Selection is strict: the
// highest-numbered non-empty queue always wins, with no aging, so a
// saturated high queue can starve lower priorities by design.
//
// Grounded on the teacher's per-tag state machine and
// "drain-then-flush" batching in internal/queue/runner.go
// (processRequests/handleCompletion), generalized from "one io_uring
// ring with N tags" to "three FIFO queues of arbitrary entries."
package sched

import "container/list"

// Priority mirrors devqueue.Priority without importing the root
// package (which imports sched), ordered low < normal < high.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	numPriorities
)

// Entry is anything the scheduler can queue: a single command or a
// committed transaction envelope. Both compete for a priority slot
// the same way; what happens after an entry is popped (execute one
// command vs. iterate a transaction's members) is the worker's
// concern, not the scheduler's.
type Entry interface {
	SchedPriority() Priority
}

// ErrFull is returned by Enqueue when the target priority's queue is
// at capacity.
type ErrFull struct {
	Priority Priority
}

func (e *ErrFull) Error() string {
	return "sched: queue full"
}

// Scheduler holds the three FIFO queues and their capacities.
type Scheduler struct {
	queues     [numPriorities]*list.List
	capacities [numPriorities]int
}

// Capacities configures the per-priority hard capacity. Zero means
// unbounded.
type Capacities struct {
	Low, Normal, High int
}

// New creates a Scheduler with the given per-priority capacities.
func New(caps Capacities) *Scheduler {
	s := &Scheduler{}
	s.capacities[PriorityLow] = caps.Low
	s.capacities[PriorityNormal] = caps.Normal
	s.capacities[PriorityHigh] = caps.High
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	return s
}

// Enqueue appends e to the tail of its priority's FIFO queue, failing
// with *ErrFull if that priority is at capacity.
func (s *Scheduler) Enqueue(e Entry) error {
	p := e.SchedPriority()
	q := s.queues[p]
	cap := s.capacities[p]
	if cap != 0 && q.Len() >= cap {
		return &ErrFull{Priority: p}
	}
	q.PushBack(e)
	return nil
}

// PopNext removes and returns the head of the highest-numbered
// non-empty queue (High, then Normal, then Low), or nil if all three
// are empty.
func (s *Scheduler) PopNext() Entry {
	for p := PriorityHigh; p >= PriorityLow; p-- {
		q := s.queues[p]
		if front := q.Front(); front != nil {
			q.Remove(front)
			return front.Value.(Entry)
		}
	}
	return nil
}

// Len returns the total number of queued entries across all
// priorities.
func (s *Scheduler) Len() int {
	total := 0
	for _, q := range s.queues {
		total += q.Len()
	}
	return total
}

// Depths returns the current queue depth per priority, indexed by
// Priority (Low, Normal, High).
func (s *Scheduler) Depths() [3]int {
	return [3]int{
		s.queues[PriorityLow].Len(),
		s.queues[PriorityNormal].Len(),
		s.queues[PriorityHigh].Len(),
	}
}

// RemoveMatching scans every priority queue in FIFO order and removes
// every entry for which match returns true, returning them in the
// order they were removed (priority-major, FIFO-minor — callers that
// need a specific order should filter further).
func (s *Scheduler) RemoveMatching(match func(Entry) bool) []Entry {
	var removed []Entry
	for _, q := range s.queues {
		var next *list.Element
		for e := q.Front(); e != nil; e = next {
			next = e.Next()
			if match(e.Value.(Entry)) {
				removed = append(removed, e.Value.(Entry))
				q.Remove(e)
			}
		}
	}
	return removed
}

// Drain removes and returns every queued entry across all priorities,
// high-priority first, leaving the scheduler empty. Used on shutdown.
func (s *Scheduler) Drain() []Entry {
	var all []Entry
	for p := PriorityHigh; p >= PriorityLow; p-- {
		q := s.queues[p]
		for e := q.Front(); e != nil; e = q.Front() {
			all = append(all, e.Value.(Entry))
			q.Remove(e)
		}
	}
	return all
}
