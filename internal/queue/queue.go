// Package queue holds deferred pending sends ordered by not-before time.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"outreach/internal/model"
)

type item struct {
	ps    *model.PendingSend
	index int
	seq   uint64
}

type items []*item

func (h items) Len() int { return len(h) }
func (h items) Less(i, j int) bool {
	if h[i].ps.NotBefore.Equal(h[j].ps.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].ps.NotBefore.Before(h[j].ps.NotBefore)
}
func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Deferred is a min-heap on NotBefore, ties broken by insertion order. Safe
// for concurrent use. Pushing an ID that is already present replaces it.
type Deferred struct {
	mu   sync.Mutex
	h    items
	byID map[string]*item
	seq  uint64
}

func NewDeferred() *Deferred {
	return &Deferred{byID: map[string]*item{}}
}

func (d *Deferred) Push(ps *model.PendingSend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if it, ok := d.byID[ps.ID]; ok {
		it.ps = ps
		it.seq = d.seq
		heap.Fix(&d.h, it.index)
		return
	}
	it := &item{ps: ps, seq: d.seq}
	heap.Push(&d.h, it)
	d.byID[ps.ID] = it
}

// PopDue removes and returns every send whose NotBefore is at or before now,
// earliest first. max <= 0 means no limit.
func (d *Deferred) PopDue(now time.Time, max int) []*model.PendingSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.PendingSend
	for d.h.Len() > 0 && !d.h[0].ps.NotBefore.After(now) {
		if max > 0 && len(out) >= max {
			break
		}
		it := heap.Pop(&d.h).(*item)
		delete(d.byID, it.ps.ID)
		out = append(out, it.ps)
	}
	return out
}

// Next returns the earliest NotBefore.
func (d *Deferred) Next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h.Len() == 0 {
		return time.Time{}, false
	}
	return d.h[0].ps.NotBefore, true
}

func (d *Deferred) Remove(id string) (*model.PendingSend, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&d.h, it.index)
	delete(d.byID, id)
	return it.ps, true
}

// RemoveFunc drops every send fn matches and returns them.
func (d *Deferred) RemoveFunc(fn func(*model.PendingSend) bool) []*model.PendingSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.PendingSend
	kept := d.h[:0]
	for _, it := range d.h {
		if fn(it.ps) {
			delete(d.byID, it.ps.ID)
			out = append(out, it.ps)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(d.h); i++ {
		d.h[i] = nil
	}
	d.h = kept
	for i, it := range d.h {
		it.index = i
	}
	heap.Init(&d.h)
	return out
}

// Count returns how many queued sends fn matches.
func (d *Deferred) Count(fn func(*model.PendingSend) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.h {
		if fn(it.ps) {
			n++
		}
	}
	return n
}

func (d *Deferred) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h.Len()
}
