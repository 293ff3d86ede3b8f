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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlice(t *testing.T) {
	s := Slice{Start: 2, Stop: 10, Step: 2}
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, []int{2, 4, 6, 8}, s.Indices())
	assert.Equal(t, "2:10:2", s.String())

	// Negative step.
	s = Slice{Start: 9, Stop: 3, Step: -3}
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []int{9, 6}, s.Indices())
}

func TestSliceFromIndices(t *testing.T) {
	testCases := []struct {
		name string
		nz   []int
		want Slice
		ok   bool
	}{
		{"evenStride", []int{2, 4, 6, 8}, Slice{2, 10, 2}, true},
		{"unitStride", []int{0, 1, 2, 3}, Slice{0, 4, 1}, true},
		{"singleton", []int{5}, Slice{5, 6, 1}, true},
		{"negativeStep", []int{6, 4, 2}, Slice{6, 0, -2}, true},
		{"empty", nil, Slice{}, false},
		{"irregular", []int{0, 1, 3}, Slice{}, false},
		{"repeated", []int{2, 2, 2}, Slice{}, false},
		{"withAbsent", []int{0, -1, 2}, Slice{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := sliceFromIndices(tc.nz)
			require.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, got)
				assert.Equal(t, tc.nz, got.Indices())
			}
		})
	}
}

func TestSlice2FromIndices(t *testing.T) {
	testCases := []struct {
		name         string
		nz           []int
		outer, inner Slice
		ok           bool
	}{
		// Two blocks of [b, b+1, b+2], block starts 0 and 6.
		{"contiguousBlocks", []int{0, 1, 2, 6, 7, 8},
			Slice{0, 12, 6}, Slice{0, 3, 1}, true},
		// Strided inside, strided outside.
		{"stridedBlocks", []int{0, 2, 8, 10, 16, 18},
			Slice{0, 24, 8}, Slice{0, 4, 2}, true},
		{"tooShort", []int{0, 1, 4}, Slice{}, Slice{}, false},
		{"raggedBlocks", []int{0, 1, 2, 6, 7, 9}, Slice{}, Slice{}, false},
		{"unevenStarts", []int{0, 1, 4, 5, 7, 8}, Slice{}, Slice{}, false},
		{"withAbsent", []int{0, 1, -1, 6, 7, 8}, Slice{}, Slice{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outer, inner, ok := slice2FromIndices(tc.nz)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.outer, outer)
			assert.Equal(t, tc.inner, inner)
			// The pair must reproduce the original mapping exactly.
			op := &getNonzerosSlice2Op{outer: outer, inner: inner}
			assert.Equal(t, tc.nz, op.gatherIndices())
		})
	}
}
