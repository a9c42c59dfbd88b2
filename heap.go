package main

// TTL min-heap keyed by expire-at milliseconds. The heap and the database
// form a bidirectional index: heap[i].ent.heapIdx == i for every position,
// and every sift keeps that invariant. container/heap is not used because
// its swap callbacks cannot see the back-index without an extra indirection.

func heapParent(i int) int {
	return (i+1)/2 - 1
}

func heapLeft(i int) int {
	return i*2 + 1
}

func heapRight(i int) int {
	return i*2 + 2
}

func heapUp(a []HeapItem, pos int) {
	t := a[pos]
	for pos > 0 && a[heapParent(pos)].val > t.val {
		// swap with the parent
		a[pos] = a[heapParent(pos)]
		a[pos].ent.heapIdx = pos
		pos = heapParent(pos)
	}
	a[pos] = t
	a[pos].ent.heapIdx = pos
}

func heapDown(a []HeapItem, pos int) {
	t := a[pos]
	for {
		// find the smallest one among the parent and their kids
		l := heapLeft(pos)
		r := heapRight(pos)
		minPos := pos
		minVal := t.val
		if l < len(a) && a[l].val < minVal {
			minPos = l
			minVal = a[l].val
		}
		if r < len(a) && a[r].val < minVal {
			minPos = r
		}
		if minPos == pos {
			break
		}
		// swap with the kid
		a[pos] = a[minPos]
		a[pos].ent.heapIdx = pos
		pos = minPos
	}
	a[pos] = t
	a[pos].ent.heapIdx = pos
}

func heapUpdate(a []HeapItem, pos int) {
	if pos > 0 && a[heapParent(pos)].val > a[pos].val {
		heapUp(a, pos)
	} else {
		heapDown(a, pos)
	}
}

// heapDelete removes position pos by swapping in the last item.
func heapDelete(a *[]HeapItem, pos int) {
	h := *a
	last := len(h) - 1
	h[pos] = h[last]
	*a = h[:last]
	if pos < last {
		h[pos].ent.heapIdx = pos
		heapUpdate(h[:last], pos)
	}
}

// heapUpsert updates the item at pos, or appends when pos is out of range
// (the entry had no TTL).
func heapUpsert(a *[]HeapItem, pos int, t HeapItem) {
	h := *a
	if pos >= 0 && pos < len(h) {
		h[pos] = t
	} else {
		pos = len(h)
		h = append(h, t)
		*a = h
	}
	h[pos].ent.heapIdx = pos
	heapUpdate(h, pos)
}
