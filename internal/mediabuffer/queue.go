package mediabuffer

// frameHeap orders frames by presentation time, ties broken by sequence,
// per §4.3's admission rule. It implements container/heap.Interface.
type frameHeap []Frame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].PresentationTau != h[j].PresentationTau {
		return h[i].PresentationTau < h[j].PresentationTau
	}
	return h[i].Sequence < h[j].Sequence
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) {
	*h = append(*h, x.(Frame))
}

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
