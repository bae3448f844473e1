package backlog

import (
	"container/heap"

	"github.com/msageha/foreman/internal/model"
)

// indexQueue is a min-heap of original input indexes. Popping the lowest
// index at every step makes the output stable and reproducible for identical
// input, with declaration order as the tie-break key.
type indexQueue []int

func (q indexQueue) Len() int            { return len(q) }
func (q indexQueue) Less(i, j int) bool  { return q[i] < q[j] }
func (q indexQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *indexQueue) Push(x any)         { *q = append(*q, x.(int)) }
func (q *indexQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// Sequence computes one linear visiting order for a sibling group from its
// declared dependency edges alone, using Kahn's algorithm with the original
// declaration index as tie-break key.
//
// Unlike ValidateGroup, Sequence never fails:
//   - edges referencing anything outside the group are silently dropped,
//   - self-edges are silently dropped,
//   - duplicate edges count once,
//   - a cyclic remainder is appended in its original relative order.
//
// The result is always a permutation of the input IDs. If the input graph is
// acyclic, the result is a valid topological order.
func Sequence(items []model.WorkRef) []string {
	if len(items) == 0 {
		return nil
	}

	byID := make(map[string]int, len(items))
	byTitle := make(map[string]int, len(items))
	for i, item := range items {
		byID[item.ID] = i
		if item.Title != "" {
			byTitle[item.Title] = i
		}
	}

	inDegree := make([]int, len(items))
	dependents := make([][]int, len(items))
	for i, item := range items {
		seen := make(map[int]bool, len(item.DependsOn))
		for _, dep := range item.DependsOn {
			idx, ok := byID[dep]
			if !ok {
				idx, ok = byTitle[dep]
			}
			if !ok || idx == i || seen[idx] {
				continue
			}
			seen[idx] = true
			inDegree[i]++
			dependents[idx] = append(dependents[idx], i)
		}
	}

	queue := &indexQueue{}
	for i := range items {
		if inDegree[i] == 0 {
			*queue = append(*queue, i)
		}
	}
	heap.Init(queue)

	order := make([]string, 0, len(items))
	emitted := make([]bool, len(items))
	for queue.Len() > 0 {
		i := heap.Pop(queue).(int)
		order = append(order, items[i].ID)
		emitted[i] = true
		for _, dep := range dependents[i] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(queue, dep)
			}
		}
	}

	// Cycle: degrade to declaration order for the unscheduled remainder
	// instead of failing the whole computation.
	if len(order) < len(items) {
		for i, item := range items {
			if !emitted[i] {
				order = append(order, item.ID)
			}
		}
	}

	return order
}
