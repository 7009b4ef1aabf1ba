package timeline

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start sample, with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push is called by [container/heap.Push]; do not call directly.
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(*voice))
}

// Pop is called by [container/heap.Pop]; do not call directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}

// peek returns the voice with the earliest start without removing it.
func (h voiceHeap) peek() *voice {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
