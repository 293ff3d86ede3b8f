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
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/sparsemx/types/sparsity"
)

// normFixture builds one norm node over a dense 1xN parameter.
func normFixture(t *testing.T, build func(x *Node) *Node, numNonzeros int) *Node {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, numNonzeros))
	n := build(x)
	require.True(t, n.Pattern().IsScalar())
	require.Equal(t, 1, n.NonzeroCount())
	return n
}

// evalScalar evaluates a single-input scalar node.
func evalScalar(n *Node, x []float64) float64 {
	output := make([]float64, 1)
	n.Value([][]float64{x}, output)
	return output[0]
}

// evalForward returns the forward directional sensitivity of a single-input
// scalar node for one seed direction.
func evalForward(n *Node, x, seed []float64) float64 {
	sens := make([]float64, 1)
	n.Eval(&EvalData{
		Inputs:   [][]float64{x},
		Output:   make([]float64, 1),
		FwdSeeds: [][][]float64{{seed}},
		FwdSens:  [][]float64{sens},
	})
	return sens[0]
}

// evalAdjoint propagates one scalar adjoint seed through a single-input scalar
// node, accumulating into sens.
func evalAdjoint(n *Node, x []float64, seed float64, sens []float64) {
	n.Eval(&EvalData{
		Inputs:   [][]float64{x},
		Output:   make([]float64, 1),
		AdjSeeds: [][]float64{{seed}},
		AdjSens:  [][][]float64{{sens}},
	})
}

func TestNormValues(t *testing.T) {
	x := []float64{3, -4, 0, 12}
	testCases := []struct {
		name  string
		build func(x *Node) *Node
		want  float64
	}{
		{"L2", NormL2, 13},
		{"L2Squared", NormL2Squared, 169},
		{"L1", NormL1, 19},
		{"Inf", NormInf, 12},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := normFixture(t, tc.build, len(x))
			assert.InDelta(t, tc.want, evalScalar(n, x), 1e-12)
		})
	}
}

// The squared 2-norm must equal the square of the 2-norm on every input.
func TestNormL2SquaredConsistency(t *testing.T) {
	vectors := [][]float64{
		{3, 4},
		{0, 0, 0},
		{-1.5, 2.25, 0.5, -3},
		{1e-8, -1e8},
	}
	for _, x := range vectors {
		l2 := normFixture(t, NormL2, len(x))
		l2sq := normFixture(t, NormL2Squared, len(x))
		a, b := evalScalar(l2, x), evalScalar(l2sq, x)
		assert.InDelta(t, a*a, b, 1e-9*(1+b), "x=%v", x)

		var sum float64
		for _, v := range x {
			sum += v * v
		}
		assert.InDelta(t, math.Sqrt(sum), a, 1e-12*(1+a), "x=%v", x)
	}
}

func TestNormL2Gradient(t *testing.T) {
	// ||(3,4)||_2 = 5, gradient (0.6, 0.8).
	n := normFixture(t, NormL2, 2)
	x := []float64{3, 4}
	assert.InDelta(t, 5.0, evalScalar(n, x), 1e-12)

	sens := make([]float64, 2)
	evalAdjoint(n, x, 1, sens)
	assert.InDelta(t, 0.6, sens[0], 1e-12)
	assert.InDelta(t, 0.8, sens[1], 1e-12)
}

// TestNormForwardFiniteDifferences checks every variant's forward directional
// derivative against central differences at a point where all are differentiable.
func TestNormForwardFiniteDifferences(t *testing.T) {
	x := []float64{1.5, -2.25, 0.75, 3}
	builders := map[string]func(x *Node) *Node{
		"L2":        NormL2,
		"L2Squared": NormL2Squared,
		"L1":        NormL1,
		"Inf":       NormInf,
	}
	const h = 1e-6
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			n := normFixture(t, build, len(x))
			for k := range x {
				seed := make([]float64, len(x))
				seed[k] = 1
				got := evalForward(n, x, seed)

				shifted := make([]float64, len(x))
				copy(shifted, x)
				shifted[k] = x[k] + h
				plus := evalScalar(n, shifted)
				shifted[k] = x[k] - h
				minus := evalScalar(n, shifted)
				assert.InDelta(t, (plus-minus)/(2*h), got, 1e-5, "component %d", k)
			}
		})
	}
}

// TestNormForwardAdjointConsistency: for a scalar node, the adjoint pass with
// seed 1 yields the gradient, whose dot product with any direction must equal
// the forward directional derivative.
func TestNormForwardAdjointConsistency(t *testing.T) {
	x := []float64{-1.25, 2, 0.5, -3.75, 1}
	direction := []float64{0.5, -1, 2, 0.25, -0.75}
	for name, build := range map[string]func(x *Node) *Node{
		"L2":        NormL2,
		"L2Squared": NormL2Squared,
		"L1":        NormL1,
	} {
		t.Run(name, func(t *testing.T) {
			n := normFixture(t, build, len(x))
			grad := make([]float64, len(x))
			evalAdjoint(n, x, 1, grad)
			var dot float64
			for k := range x {
				dot += grad[k] * direction[k]
			}
			assert.InDelta(t, evalForward(n, x, direction), dot, 1e-12)
		})
	}
}

// A direction with an exactly zero adjoint seed must leave the sensitivity
// buffers untouched, even where the derivative would be NaN.
func TestNormZeroAdjointSeedIsNoOp(t *testing.T) {
	x := []float64{-2, 0, 3} // L1 derivative is NaN at the middle zero.
	for name, build := range map[string]func(x *Node) *Node{
		"L2":        NormL2,
		"L2Squared": NormL2Squared,
		"L1":        NormL1,
	} {
		t.Run(name, func(t *testing.T) {
			n := normFixture(t, build, len(x))
			sens := []float64{7, 7, 7} // Sentinel: must survive unchanged.
			evalAdjoint(n, x, 0, sens)
			assert.Equal(t, []float64{7, 7, 7}, sens)
		})
	}
}

func TestNormL1AdjointNaNAtZero(t *testing.T) {
	n := normFixture(t, NormL1, 3)
	x := []float64{-2, 0, 3}
	sens := make([]float64, 3)
	evalAdjoint(n, x, 2, sens)
	assert.InDelta(t, -2.0, sens[0], 1e-12)
	assert.True(t, math.IsNaN(sens[1]), "derivative of |x| at x==0 must be NaN, got %v", sens[1])
	assert.InDelta(t, 2.0, sens[2], 1e-12)
}

func TestNormL1ForwardNaNOnlyWhenSeeded(t *testing.T) {
	n := normFixture(t, NormL1, 3)
	x := []float64{-2, 0, 3}

	// Seeding only the differentiable components stays finite.
	assert.InDelta(t, -1.0, evalForward(n, x, []float64{1, 0, 0}), 1e-12)
	assert.InDelta(t, 1.0, evalForward(n, x, []float64{0, 0, 1}), 1e-12)

	// Seeding the zero component is undefined.
	assert.True(t, math.IsNaN(evalForward(n, x, []float64{0, 1, 0})))
}

func TestNormInfAdjointIsFatal(t *testing.T) {
	n := normFixture(t, NormInf, 3)
	x := []float64{1, -5, 2}
	sens := make([]float64, 3)
	exception := exceptions.TryCatch[UnsupportedOperationError](func() {
		evalAdjoint(n, x, 1, sens)
	})
	assert.Contains(t, exception.Error(), "NormInf")
}

func TestNormInfForwardAtMaximizer(t *testing.T) {
	n := normFixture(t, NormInf, 3)

	// Unique negative maximizer: derivative is -seed at its position.
	x := []float64{1, -5, 2}
	assert.InDelta(t, -3.0, evalForward(n, x, []float64{10, 3, 10}), 1e-12)

	// All-zero input: value 0; nonzero seeds make the derivative undefined.
	zeros := []float64{0, 0, 0}
	assert.Equal(t, 0.0, evalScalar(n, zeros))
	assert.Equal(t, 0.0, evalForward(n, zeros, []float64{0, 0, 0}))
	assert.True(t, math.IsNaN(evalForward(n, zeros, []float64{1, 0, 0})))
}

func TestNormMultiDirectional(t *testing.T) {
	// Two forward and two adjoint directions in a single pass.
	n := normFixture(t, NormL2Squared, 2)
	x := []float64{3, 4}
	fwdSens := [][]float64{make([]float64, 1), make([]float64, 1)}
	adjSens := [][][]float64{{make([]float64, 2)}, {make([]float64, 2)}}
	n.Eval(&EvalData{
		Inputs:   [][]float64{x},
		Output:   make([]float64, 1),
		FwdSeeds: [][][]float64{{{1, 0}}, {{0, 1}}},
		FwdSens:  fwdSens,
		AdjSeeds: [][]float64{{1}, {-0.5}},
		AdjSens:  adjSens,
	})
	assert.InDelta(t, 6.0, fwdSens[0][0], 1e-12)
	assert.InDelta(t, 8.0, fwdSens[1][0], 1e-12)
	assert.Equal(t, []float64{6, 8}, adjSens[0][0])
	assert.Equal(t, []float64{-3, -4}, adjSens[1][0])
}

func TestNormEvalDataValidation(t *testing.T) {
	n := normFixture(t, NormL2, 3)
	exception := exceptions.TryCatch[DimensionError](func() {
		n.Value([][]float64{{1, 2}}, make([]float64, 1)) // 2 values for 3 nonzeros.
	})
	assert.Contains(t, exception.Error(), "dimension mismatch")
}

func TestNormFormat(t *testing.T) {
	g := New(t.Name())
	x := Parameter(g, "x", sparsity.Dense(1, 3))
	assert.Equal(t, "||x||_2", NormL2(x).String())
	assert.Equal(t, "||x||_2^2", NormL2Squared(x).String())
	assert.Equal(t, "||x||_1", NormL1(x).String())
	assert.Equal(t, "||x||_inf", NormInf(x).String())
}
