package scan

import (
	"container/heap"
	"context"
)

// sizeHeap is a min-heap of FileInfos ordered by size.
type sizeHeap []FileInfo

func (h sizeHeap) Len() int           { return len(h) }
func (h sizeHeap) Less(i, j int) bool { return h[i].Size < h[j].Size }
func (h sizeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sizeHeap) Push(x any)        { *h = append(*h, x.(FileInfo)) }
func (h *sizeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// RunSizePriorityQueue sits between the walker and the analysis workers.
// It buffers discovered files in a min-heap keyed by size and always hands
// out the smallest one it holds, so short clips are analysed (and cached)
// before multi-gigabyte recordings tie up the tool slots.
//
// out is closed when in is exhausted or ctx is cancelled.
func RunSizePriorityQueue(ctx context.Context, in <-chan FileInfo, out chan<- FileInfo) {
	go func() {
		defer close(out)

		h := &sizeHeap{}
		for {
			if h.Len() == 0 {
				select {
				case item, ok := <-in:
					if !ok {
						return
					}
					heap.Push(h, item)
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case item, ok := <-in:
				if !ok {
					for h.Len() > 0 {
						select {
						case out <- heap.Pop(h).(FileInfo):
						case <-ctx.Done():
							return
						}
					}
					return
				}
				heap.Push(h, item)
			case out <- (*h)[0]:
				heap.Pop(h)
			case <-ctx.Done():
				return
			}
		}
	}()
}
