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

	"github.com/gomlx/sparsemx/types/sparsity"
	"github.com/gomlx/sparsemx/types/xslices"
)

// Leaf nodes: parameters (values supplied per evaluation by the driver) and
// constants (values fixed at construction).

type parameterOp struct {
	name string
}

// Parameter creates a leaf node whose nonzero values are supplied by the
// evaluation driver on every pass.
func Parameter(g *Graph, name string, pattern sparsity.Pattern) *Node {
	n := g.registerNode(pattern, &parameterOp{name: name})
	g.parameters = append(g.parameters, n)
	return n
}

// ParameterName returns the name a parameter node was created with, or "" for
// non-parameter nodes.
func (n *Node) ParameterName() string {
	if op, ok := n.op.(*parameterOp); ok {
		return op.name
	}
	return ""
}

func (op *parameterOp) Type() OpType               { return OpTypeParameter }
func (op *parameterOp) Format(args []string) string { return op.name }

// Eval is a no-op: the driver writes leaf value and seed buffers directly.
func (op *parameterOp) Eval(n *Node, data *EvalData) {}

// PropagateSparsityBits is a no-op: in reverse, the accumulated words in Output
// are the result the driver reads, so they are not cleared.
func (op *parameterOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {}

func (op *parameterOp) JacVec(n *Node, seeds []*Node) *Node {
	panicUnsupported("Parameter has no inputs to differentiate against")
	return nil
}

func (op *parameterOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	panicUnsupported("leaf nodes are materialized as buffers by the evaluation driver, nothing to emit")
}

type constantOp struct {
	values []float64
}

// Const creates a node with fixed nonzero values, one per nonzero of pattern.
func Const(g *Graph, pattern sparsity.Pattern, values []float64) *Node {
	if len(values) != pattern.NonzeroCount() {
		panicDimension("Const: %d values for a pattern with %d nonzeros", len(values), pattern.NonzeroCount())
	}
	return g.registerNode(pattern, &constantOp{values: xslices.Copy(values)})
}

// Zeros creates a constant node with all nonzeros set to 0 (a structurally
// nonzero position can still hold the value zero).
func Zeros(g *Graph, pattern sparsity.Pattern) *Node {
	return g.registerNode(pattern, &constantOp{values: make([]float64, pattern.NonzeroCount())})
}

// Filled creates a constant node with all nonzeros set to value.
func Filled(g *Graph, pattern sparsity.Pattern, value float64) *Node {
	return g.registerNode(pattern, &constantOp{values: xslices.SliceWithValue(pattern.NonzeroCount(), value)})
}

// ConstValues returns the fixed values of a constant node, or nil for other
// nodes. The returned slice is internal and must not be modified.
func (n *Node) ConstValues() []float64 {
	if op, ok := n.op.(*constantOp); ok {
		return op.values
	}
	return nil
}

func (op *constantOp) Type() OpType { return OpTypeConstant }

func (op *constantOp) Format(args []string) string {
	if len(op.values) == 1 {
		return formatFloat(op.values[0])
	}
	return "const"
}

func (op *constantOp) Eval(n *Node, data *EvalData) {
	copy(data.Output, op.values)
	for d := range data.FwdSens {
		xslices.FillSlice(data.FwdSens[d], 0)
	}
	// No inputs: adjoint seeds are consumed without contributing anywhere.
	for d := range data.AdjSeeds {
		xslices.FillSlice(data.AdjSeeds[d], 0)
	}
}

func (op *constantOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	// A constant depends on nothing.
	for i := range data.Output {
		data.Output[i] = 0
	}
}

func (op *constantOp) JacVec(n *Node, seeds []*Node) *Node {
	panicUnsupported("Constant has no inputs to differentiate against")
	return nil
}

func (op *constantOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	panicUnsupported("leaf nodes are materialized as buffers by the evaluation driver, nothing to emit")
}

// nanJacVec is the symbolic-derivative fallback shared by every variant without a
// closed-form graph-level derivative: a dense 1xF matrix of NaN, F being the
// number of derivative directions (rows of the seed). The NaN is a deliberate
// "no closed form available" signal and must be treated as a value, not an error.
func nanJacVec(g *Graph, seed *Node) *Node {
	numDirections := seed.Pattern().Rows()
	return Filled(g, sparsity.Dense(1, numDirections), math.NaN())
}
