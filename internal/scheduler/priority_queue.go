package scheduler

import "container/heap"

// priorityQueue orders Tasks by (priority desc, scheduledTime asc), the tie
// break spec §4.3 specifies: "equal-priority tasks execute in FIFO by
// scheduledTime."
type priorityQueue []*Task

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].ScheduledTime.Before(pq[j].ScheduledTime)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*pq)
	*pq = append(*pq, t)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*pq = old[:n-1]
	return t
}

// readyQueue wraps priorityQueue with the heap.Interface plumbing so callers
// never touch container/heap directly.
type readyQueue struct {
	pq priorityQueue
}

func newReadyQueue() *readyQueue {
	rq := &readyQueue{}
	heap.Init(&rq.pq)
	return rq
}

func (rq *readyQueue) push(t *Task) { heap.Push(&rq.pq, t) }

func (rq *readyQueue) peek() *Task {
	if len(rq.pq) == 0 {
		return nil
	}
	return rq.pq[0]
}

func (rq *readyQueue) pop() *Task {
	if len(rq.pq) == 0 {
		return nil
	}
	return heap.Pop(&rq.pq).(*Task)
}

func (rq *readyQueue) len() int { return len(rq.pq) }
