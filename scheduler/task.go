package scheduler

import (
	"fmt"
	"time"

	"github.com/rustyeddy/nightguard/rules"
)

type Kind int

const (
	KindClosePosition Kind = iota + 1
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindClosePosition:
		return "close_position"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ClosePayload is carried by KindClosePosition tasks only.
type ClosePayload struct {
	Symbol     string
	Strategies rules.StrategySet
}

// Task is a unit of work due at an instant. Tasks are ordered by DueAt, then
// by the sequence number assigned when they were enqueued.
type Task struct {
	Kind  Kind
	DueAt time.Time
	Close *ClosePayload

	seq uint64
}

func CloseTask(due time.Time, symbol string, strategies rules.StrategySet) Task {
	return Task{
		Kind:  KindClosePosition,
		DueAt: due,
		Close: &ClosePayload{Symbol: symbol, Strategies: strategies},
	}
}

func EndTask(due time.Time) Task {
	return Task{Kind: KindEnd, DueAt: due}
}

// Seq is the enqueue sequence number; zero before the task is enqueued.
func (t Task) Seq() uint64 { return t.seq }

func (t Task) String() string {
	if t.Kind == KindClosePosition && t.Close != nil {
		return fmt.Sprintf("%s %s %s @ %s", t.Kind, t.Close.Symbol, t.Close.Strategies, t.DueAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s @ %s", t.Kind, t.DueAt.Format(time.RFC3339))
}

func (t Task) less(o Task) bool {
	if !t.DueAt.Equal(o.DueAt) {
		return t.DueAt.Before(o.DueAt)
	}
	return t.seq < o.seq
}

// taskHeap is a container/heap min-heap ordered by (DueAt, seq).
type taskHeap []Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = Task{}
	*h = old[:n-1]
	return t
}
