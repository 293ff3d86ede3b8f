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

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/sparsemx/types/sparsity"
)

// evalGather evaluates a single-input node for the given input nonzeros.
func evalGather(n *Node, x []float64) []float64 {
	output := make([]float64, n.NonzeroCount())
	n.Value([][]float64{x}, output)
	return output
}

func TestGetNonzerosWithAbsent(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 2))
	n := GetNonzeros(sparsity.Dense(1, 3), x, []int{1, AbsentNonzero, 0})
	require.Equal(t, OpTypeGetNonzeros, n.Type())

	// Values: absent positions hold zero.
	assert.Equal(t, []float64{20, 0, 10}, evalGather(n, []float64{10, 20}))

	// Forward: the same selection applies to seeds.
	seed := []float64{1, 2}
	sens := make([]float64, 3)
	n.Eval(&EvalData{
		Inputs:   [][]float64{{10, 20}},
		Output:   make([]float64, 3),
		FwdSeeds: [][][]float64{{seed}},
		FwdSens:  [][]float64{sens},
	})
	assert.Equal(t, []float64{2, 0, 1}, sens)

	// Adjoint: scatter-add, the seed routed to the absent position is discarded,
	// and the seed buffer is consumed (zeroed).
	adjSeed := []float64{5, 7, 11}
	adjSens := []float64{100, 200} // Accumulates on top of prior content.
	n.Eval(&EvalData{
		Inputs:   [][]float64{{10, 20}},
		Output:   make([]float64, 3),
		AdjSeeds: [][]float64{adjSeed},
		AdjSens:  [][][]float64{{adjSens}},
	})
	assert.Equal(t, []float64{111, 205}, adjSens)
	assert.Equal(t, []float64{0, 0, 0}, adjSeed)
}

func TestGetNonzerosIdentity(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.FromElements(2, 3, []int{1, 3, 4}))

	identity := GetNonzeros(x.Pattern(), x, []int{0, 1, 2})
	assert.True(t, identity.IsIdentity())
	assert.Same(t, x, Simplify(identity))
	// Construction never auto-elides: the node still exists and evaluates.
	assert.Equal(t, []float64{1, 2, 3}, evalGather(identity, []float64{1, 2, 3}))

	// Same mapping but a different (renumbered) pattern is not the identity.
	moved := GetNonzeros(sparsity.FromElements(2, 3, []int{0, 2, 5}), x, []int{0, 1, 2})
	assert.False(t, moved.IsIdentity())
	assert.Same(t, moved, Simplify(moved))

	// Permutations are not the identity.
	perm := GetNonzeros(x.Pattern(), x, []int{2, 1, 0})
	assert.False(t, perm.IsIdentity())
}

func TestGetNonzerosSliceDetection(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 10))

	n := GetNonzeros(sparsity.Dense(1, 4), x, []int{2, 4, 6, 8})
	require.Equal(t, OpTypeGetNonzerosSlice, n.Type())
	assert.Equal(t, []float64{2, 4, 6, 8},
		evalGather(n, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))

	// The compact representation must behave exactly like the generic one.
	adjSeed := []float64{1, 2, 3, 4}
	adjSens := make([]float64, 10)
	n.Eval(&EvalData{
		Inputs:   [][]float64{make([]float64, 10)},
		Output:   make([]float64, 4),
		AdjSeeds: [][]float64{adjSeed},
		AdjSens:  [][][]float64{{adjSens}},
	})
	assert.Equal(t, []float64{0, 0, 1, 0, 2, 0, 3, 0, 4, 0}, adjSens)
	assert.Equal(t, []float64{0, 0, 0, 0}, adjSeed)
}

func TestGetNonzerosSlice2Detection(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 12))

	// Two contiguous blocks of three, starting at 0 and 6.
	n := GetNonzeros(sparsity.Dense(1, 6), x, []int{0, 1, 2, 6, 7, 8})
	require.Equal(t, OpTypeGetNonzerosSlice2, n.Type())
	assert.False(t, n.IsIdentity())
	assert.Equal(t, []float64{0, 1, 2, 6, 7, 8},
		evalGather(n, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}))
}

func TestGetNonzerosVariantChoice(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 12))
	testCases := []struct {
		name string
		nz   []int
		want OpType
	}{
		{"affine", []int{0, 3, 6, 9}, OpTypeGetNonzerosSlice},
		{"identityMapping", []int{0, 1, 2, 3}, OpTypeGetNonzerosSlice},
		{"blockwiseAffine", []int{0, 2, 6, 8}, OpTypeGetNonzerosSlice2},
		{"generic", []int{3, 0, 7, 7}, OpTypeGetNonzeros},
		{"genericWithAbsent", []int{0, -1, 2, 4}, OpTypeGetNonzeros},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := GetNonzeros(sparsity.Dense(1, len(tc.nz)), x, tc.nz)
			assert.Equal(t, tc.want, n.Type())
			// Whatever the storage, the mapping round-trips.
			assert.Equal(t, tc.nz, n.op.(nzMapper).gatherIndices())
		})
	}
}

func TestGetNonzerosComposition(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 6))

	// First selection: [x5 x3 x1 -].
	first := GetNonzeros(sparsity.Dense(1, 4), x, []int{5, 3, 1, AbsentNonzero})
	// Second selection over the first: positions [3 0 2].
	second := GetNonzeros(sparsity.Dense(1, 3), first, []int{3, 0, 2})

	// The mappings were composed at construction: second reads x directly.
	require.Len(t, second.Inputs(), 1)
	assert.Same(t, x, second.Inputs()[0])
	assert.Equal(t, []int{AbsentNonzero, 5, 1}, second.op.(nzMapper).gatherIndices())

	x6 := []float64{10, 11, 12, 13, 14, 15}
	assert.Equal(t, []float64{0, 15, 11}, evalGather(second, x6))

	// Composing twice more still leaves a single layer.
	third := GetNonzeros(sparsity.Dense(1, 2), second, []int{2, 0})
	assert.Same(t, x, third.Inputs()[0])
	assert.Equal(t, []float64{11, 0}, evalGather(third, x6))
}

func TestGetNonzerosCompositionDetectsSlice(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 12))

	// Each layer is generic, but the composition is affine.
	first := GetNonzeros(sparsity.Dense(1, 4), x, []int{9, 0, 3, 6})
	second := GetNonzeros(sparsity.Dense(1, 4), first, []int{1, 2, 3, 0})
	assert.Equal(t, OpTypeGetNonzerosSlice, second.Type())
	assert.Same(t, x, second.Inputs()[0])
	assert.Equal(t, []int{0, 3, 6, 9}, second.op.(nzMapper).gatherIndices())
}

func TestGetNonzerosValidation(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 2))

	exception := exceptions.TryCatch[DimensionError](func() {
		GetNonzeros(sparsity.Dense(1, 2), x, []int{0, 2}) // 2 out of range.
	})
	assert.Contains(t, exception.Error(), "out of the input's")

	exception = exceptions.TryCatch[DimensionError](func() {
		GetNonzeros(sparsity.Dense(1, 3), x, []int{0, 1}) // 2 entries for 3 nonzeros.
	})
	assert.Contains(t, exception.Error(), "dimension mismatch")
}

func TestDensify(t *testing.T) {
	g := New(t.Name())
	// x has nonzeros at elements 1 and 4 of a 2x3 matrix.
	x := Parameter(g, "x", sparsity.FromElements(2, 3, []int{1, 4}))
	dense := Densify(x, sparsity.Dense(2, 3))
	require.Equal(t, 6, dense.NonzeroCount())
	assert.Equal(t, []float64{0, 10, 0, 0, 20, 0}, evalGather(dense, []float64{10, 20}))

	// Densifying to the pattern itself is the identity and simplifies away.
	assert.Same(t, x, Densify(x, x.Pattern()))
}

func TestGetNonzerosEmptyMapping(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 3))
	n := GetNonzeros(sparsity.FromElements(1, 3, nil), x, nil)
	assert.Equal(t, OpTypeGetNonzeros, n.Type())
	assert.Equal(t, 0, n.NonzeroCount())
	assert.Empty(t, evalGather(n, []float64{1, 2, 3}))
}

func TestGatherSparsityBits(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 4))
	n := GetNonzeros(sparsity.Dense(1, 3), x, []int{2, AbsentNonzero, 0})

	// Forward: output words are selected like values.
	in := []uint64{0b0001, 0b0010, 0b0100, 0b1000}
	out := make([]uint64, 3)
	n.PropagateSparsityBits(&BitsData{Inputs: [][]uint64{in}, Output: out}, true)
	assert.Equal(t, []uint64{0b0100, 0, 0b0001}, out)

	// Reverse: output words are OR-accumulated into the inputs and cleared.
	in = make([]uint64, 4)
	out = []uint64{0b01, 0b10, 0b11}
	n.PropagateSparsityBits(&BitsData{Inputs: [][]uint64{in}, Output: out}, false)
	assert.Equal(t, []uint64{0b11, 0, 0b01, 0}, in)
	assert.Equal(t, []uint64{0, 0, 0}, out)
}

// The bit-propagation of the compact variants must agree with the generic
// mapping on every word.
func TestSliceSparsityBitsMatchGeneric(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 10))
	n := GetNonzeros(sparsity.Dense(1, 4), x, []int{1, 3, 5, 7})
	require.Equal(t, OpTypeGetNonzerosSlice, n.Type())

	in := make([]uint64, 10)
	for k := range in {
		in[k] = 1 << uint(k)
	}
	out := make([]uint64, 4)
	n.PropagateSparsityBits(&BitsData{Inputs: [][]uint64{in}, Output: out}, true)
	assert.Equal(t, []uint64{1 << 1, 1 << 3, 1 << 5, 1 << 7}, out)
}
