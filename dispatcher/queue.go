package dispatcher

import "container/heap"

// pendingQueue orders pending tasks of one capability by priority, then by
// submission order.
type pendingQueue []*taskEntry

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	return before(q[i], q[j])
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	e := x.(*taskEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// before reports whether a should be served ahead of b.
func before(a, b *taskEntry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

// pendingSet holds one queue per capability.
type pendingSet map[Capability]*pendingQueue

func (s pendingSet) push(e *taskEntry) {
	q, ok := s[e.task.Capability]
	if !ok {
		q = &pendingQueue{}
		s[e.task.Capability] = q
	}
	heap.Push(q, e)
}

func (s pendingSet) remove(e *taskEntry) {
	q, ok := s[e.task.Capability]
	if !ok || e.index < 0 || e.index >= q.Len() || (*q)[e.index] != e {
		return
	}
	heap.Remove(q, e.index)
	if q.Len() == 0 {
		delete(s, e.task.Capability)
	}
}

// popFor removes and returns the best pending task any of caps can serve.
func (s pendingSet) popFor(caps []Capability) *taskEntry {
	var best *taskEntry
	for _, c := range caps {
		q, ok := s[c]
		if !ok || q.Len() == 0 {
			continue
		}
		if head := (*q)[0]; best == nil || before(head, best) {
			best = head
		}
	}
	if best != nil {
		s.remove(best)
	}
	return best
}

func (s pendingSet) counts() map[Capability]int {
	out := make(map[Capability]int, len(s))
	for c, q := range s {
		out[c] = q.Len()
	}
	return out
}
