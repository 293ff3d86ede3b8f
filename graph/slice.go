/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import "fmt"

// Slice is an affine progression of integer indices: Start, Start+Step, ...,
// stopping before Stop. Step may be negative; Stop is always Start+Len()*Step,
// so bounded loops can test `index != Stop` like the emitted code does.
type Slice struct {
	Start, Stop, Step int
}

// Len returns the number of indices in the slice.
func (s Slice) Len() int {
	if s.Step == 0 {
		return 0
	}
	return (s.Stop - s.Start) / s.Step
}

// Indices materializes the progression.
func (s Slice) Indices() []int {
	indices := make([]int, 0, s.Len())
	for i := s.Start; i != s.Stop; i += s.Step {
		indices = append(indices, i)
	}
	return indices
}

// String renders the slice in `start:stop:step` notation.
func (s Slice) String() string {
	return fmt.Sprintf("%d:%d:%d", s.Start, s.Stop, s.Step)
}

// sliceFromIndices recognizes a nonzero mapping expressible as a single affine
// stride. Detection is conservative and exact: it succeeds only when the slice
// reproduces nz exactly, and never on mappings with "absent" (negative) entries.
func sliceFromIndices(nz []int) (Slice, bool) {
	if len(nz) == 0 || nz[0] < 0 {
		return Slice{}, false
	}
	if len(nz) == 1 {
		return Slice{Start: nz[0], Stop: nz[0] + 1, Step: 1}, true
	}
	step := nz[1] - nz[0]
	if step == 0 {
		return Slice{}, false
	}
	for i := 1; i < len(nz); i++ {
		if nz[i] < 0 || nz[i]-nz[i-1] != step {
			return Slice{}, false
		}
	}
	return Slice{Start: nz[0], Stop: nz[len(nz)-1] + step, Step: step}, true
}

// slice2FromIndices recognizes a nonzero mapping expressible as an outer affine
// stride over equally sized blocks, each internally traversed by the same inner
// affine stride. The outer slice is absolute, the inner one relative to each
// block's start. Only called after sliceFromIndices failed, so a plain affine
// mapping is never classified as a double slice.
func slice2FromIndices(nz []int) (outer, inner Slice, ok bool) {
	if len(nz) < 4 || nz[0] < 0 || nz[1] < 0 {
		return
	}
	innerStep := nz[1] - nz[0]
	if innerStep == 0 {
		return
	}
	// The inner block is the longest affine prefix.
	blockLen := 2
	for blockLen < len(nz) && nz[blockLen] >= 0 && nz[blockLen]-nz[blockLen-1] == innerStep {
		blockLen++
	}
	if blockLen < 2 || len(nz)%blockLen != 0 {
		return
	}
	numBlocks := len(nz) / blockLen
	if numBlocks < 2 {
		return
	}
	// Every block must repeat the inner stride, and the block starts must
	// themselves be an affine progression.
	outerStep := nz[blockLen] - nz[0]
	if outerStep == 0 {
		return
	}
	for b := 0; b < numBlocks; b++ {
		start := nz[b*blockLen]
		if start < 0 || start != nz[0]+b*outerStep {
			return
		}
		for j := 1; j < blockLen; j++ {
			want := start + j*innerStep
			if want < 0 || nz[b*blockLen+j] != want {
				return
			}
		}
	}
	outer = Slice{Start: nz[0], Stop: nz[0] + numBlocks*outerStep, Step: outerStep}
	inner = Slice{Start: 0, Stop: blockLen * innerStep, Step: innerStep}
	ok = true
	return
}
