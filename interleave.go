package avenc

import "sort"

// interleaver orders packets of several streams by DTS before they reach a
// container. A packet is released once every stream has something buffered
// or the buffered span exceeds maxDelta, so a stalled stream cannot hold the
// others back indefinitely.
type interleaver struct {
	queue    []*Packet
	counts   []int
	maxDelta int64 // In the target's time base
}

func newInterleaver(streams int, maxDelta int64) *interleaver {
	return &interleaver{counts: make([]int, streams), maxDelta: maxDelta}
}

func (q *interleaver) addStream() int {
	q.counts = append(q.counts, 0)
	return len(q.counts) - 1
}

// push buffers p and returns the packets that may be written now, in order.
func (q *interleaver) push(p *Packet) []*Packet {
	i := sort.Search(len(q.queue), func(i int) bool {
		return q.queue[i].DTS > p.DTS
	})
	q.queue = append(q.queue, nil)
	copy(q.queue[i+1:], q.queue[i:])
	q.queue[i] = p
	q.counts[p.StreamIndex]++

	var out []*Packet
	for len(q.queue) > 0 && q.ready() {
		out = append(out, q.pop())
	}
	return out
}

func (q *interleaver) ready() bool {
	all := true
	for _, n := range q.counts {
		if n == 0 {
			all = false
			break
		}
	}
	if all {
		return true
	}
	first, last := q.queue[0].DTS, q.queue[len(q.queue)-1].DTS
	return last-first > q.maxDelta
}

func (q *interleaver) pop() *Packet {
	p := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	q.counts[p.StreamIndex]--
	return p
}

// flush returns everything still buffered, in order.
func (q *interleaver) flush() []*Packet {
	out := make([]*Packet, 0, len(q.queue))
	for len(q.queue) > 0 {
		out = append(out, q.pop())
	}
	return out
}
