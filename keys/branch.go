// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

// branchState tracks how far a single subchain has been derived.  It keeps
// window keys past the last one found on chain, plus one for every invalid
// child inside the horizon.
type branchState struct {
	window uint32

	// horizon is one past the highest index derived so far.
	horizon uint32

	// nextUnfound is one past the highest index found on chain.
	nextUnfound uint32

	invalidChildren map[uint32]struct{}
}

func newBranchState(window uint32) *branchState {
	return &branchState{
		window:          window,
		invalidChildren: make(map[uint32]struct{}),
	}
}

// extendHorizon grows the horizon until window valid keys follow the last
// found index.  It returns the previous horizon and the number of indices
// added.
func (b *branchState) extendHorizon() (uint32, uint32) {
	curHorizon := b.horizon
	minValidHorizon := b.nextUnfound + b.window + b.numInvalidInHorizon()
	if curHorizon >= minValidHorizon {
		return curHorizon, 0
	}

	b.horizon = minValidHorizon
	return curHorizon, minValidHorizon - curHorizon
}

func (b *branchState) reportFound(index uint32) {
	if index < b.nextUnfound {
		return
	}
	b.nextUnfound = index + 1

	for child := range b.invalidChildren {
		if child < index {
			delete(b.invalidChildren, child)
		}
	}
}

func (b *branchState) markInvalidChild(index uint32) {
	if _, ok := b.invalidChildren[index]; ok {
		return
	}
	b.invalidChildren[index] = struct{}{}
	b.horizon++
}

func (b *branchState) numInvalidInHorizon() uint32 {
	var n uint32
	for child := range b.invalidChildren {
		if b.nextUnfound <= child && child < b.horizon {
			n++
		}
	}
	return n
}
