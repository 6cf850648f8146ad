// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sort"
	"sync"

	"github.com/btcsuite/walletscan/scriptclass"
)

// ElementRef names one watched script: the derivation index that produced
// it and the template it was built from.
type ElementRef struct {
	Index    uint32
	Template scriptclass.Template
}

// WatchedElements maps derivation indices to the scripts watched for them.
// Entries are only ever added.  It is safe for concurrent use.
type WatchedElements struct {
	mu       sync.RWMutex
	elements map[uint32][]scriptclass.Watched
}

// NewWatchedElements returns an empty map.
func NewWatchedElements() *WatchedElements {
	return &WatchedElements{
		elements: make(map[uint32][]scriptclass.Watched),
	}
}

// Add registers the scripts of an index.  It returns false and leaves the
// map unchanged when the index is already present.
func (w *WatchedElements) Add(index uint32, scripts []scriptclass.Watched) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.elements[index]; ok {
		return false
	}
	w.elements[index] = append([]scriptclass.Watched(nil), scripts...)
	return true
}

// Get returns the scripts of an index.
func (w *WatchedElements) Get(index uint32) []scriptclass.Watched {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.elements[index]
}

// Len returns the number of indices.
func (w *WatchedElements) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.elements)
}

// Indices returns every index in ascending order.
func (w *WatchedElements) Indices() []uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.indicesLocked()
}

func (w *WatchedElements) indicesLocked() []uint32 {
	indices := make([]uint32, 0, len(w.elements))
	for i := range w.elements {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(i, j int) bool {
		return indices[i] < indices[j]
	})
	return indices
}

// Targets returns every watched script, ordered by index then template,
// along with the element each script belongs to.
func (w *WatchedElements) Targets() ([][]byte, []ElementRef) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var (
		scripts [][]byte
		refs    []ElementRef
	)
	for _, index := range w.indicesLocked() {
		for _, e := range w.elements[index] {
			scripts = append(scripts, e.Script)
			refs = append(refs, ElementRef{
				Index:    index,
				Template: e.Template,
			})
		}
	}
	return scripts, refs
}
