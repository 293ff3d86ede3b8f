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
	"fmt"

	"github.com/gomlx/sparsemx/types/sparsity"
	"github.com/gomlx/sparsemx/types/xslices"
)

// OpType identifies the operation performed by a node.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant
	OpTypeNormL1
	OpTypeNormL2
	OpTypeNormL2Squared
	OpTypeNormInf
	OpTypeGetNonzeros
	OpTypeGetNonzerosSlice
	OpTypeGetNonzerosSlice2
	OpTypeAddNonzeros
	OpTypeMatMul
	OpTypeTranspose
	OpTypeScale
	OpTypeDivScalar
)

// String returns the name of the operation type.
func (t OpType) String() string {
	switch t {
	case OpTypeParameter:
		return "Parameter"
	case OpTypeConstant:
		return "Constant"
	case OpTypeNormL1:
		return "NormL1"
	case OpTypeNormL2:
		return "NormL2"
	case OpTypeNormL2Squared:
		return "NormL2Squared"
	case OpTypeNormInf:
		return "NormInf"
	case OpTypeGetNonzeros:
		return "GetNonzeros"
	case OpTypeGetNonzerosSlice:
		return "GetNonzerosSlice"
	case OpTypeGetNonzerosSlice2:
		return "GetNonzerosSlice2"
	case OpTypeAddNonzeros:
		return "AddNonzeros"
	case OpTypeMatMul:
		return "MatMul"
	case OpTypeTranspose:
		return "Transpose"
	case OpTypeScale:
		return "Scale"
	case OpTypeDivScalar:
		return "DivScalar"
	}
	return "Invalid"
}

// EvalData holds the transient per-visit buffers supplied by the traversal driver
// for one numeric evaluation of one node. The node never keeps references to these
// buffers past the call.
//
// All buffers are laid out as one float64 per structural nonzero, in the row-major
// order of the corresponding pattern: Inputs, FwdSeeds and AdjSens follow the
// input nodes' patterns, Output, FwdSens and AdjSeeds follow the node's own.
type EvalData struct {
	// Inputs holds the nonzero values of each input node.
	Inputs [][]float64

	// Output receives the nonzero values of this node.
	Output []float64

	// FwdSeeds[d][i] is the forward direction d seed for input i;
	// FwdSens[d] receives the corresponding directional sensitivity of the output.
	FwdSeeds [][][]float64
	FwdSens  [][]float64

	// AdjSeeds[d] is the adjoint direction d seed on the output; AdjSens[d][i] is
	// the accumulator for input i, added to (never overwritten). Operations that
	// scatter seeds element-wise zero AdjSeeds[d] after consuming it.
	AdjSeeds [][]float64
	AdjSens  [][][]float64
}

// NumForward returns the number of simultaneous forward directions.
func (data *EvalData) NumForward() int { return len(data.FwdSeeds) }

// NumAdjoint returns the number of simultaneous adjoint directions.
func (data *EvalData) NumAdjoint() int { return len(data.AdjSeeds) }

// BitsData holds the buffers of a structural bit-mask dependency propagation pass:
// one uint64 of dependency bits per structural nonzero, following the same layout
// as the numeric buffers in EvalData.
type BitsData struct {
	Inputs [][]uint64
	Output []uint64
}

// nodeOp is the per-variant capability implemented by every operation. The owning
// *Node is passed to every method (the op values themselves only store the
// operation's parameters, like the nonzero mapping of a gather).
type nodeOp interface {
	Type() OpType

	// Format renders the node's textual form given the rendered forms of its inputs.
	Format(args []string) string

	// Eval computes the value and propagates all forward and adjoint directions
	// in data. Adjoint accumulation for a direction with an all-zero seed must
	// leave the corresponding sensitivity buffers untouched.
	Eval(n *Node, data *EvalData)

	// PropagateSparsityBits propagates dependency bits forward (inputs to output)
	// or in reverse (output OR-accumulated into inputs, then cleared), using the
	// exact same index mapping as Eval.
	PropagateSparsityBits(n *Node, data *BitsData, forward bool)

	// JacVec returns a new node representing the Jacobian-vector product of this
	// node with the given symbolic seeds, one seed node per input. Seed rows are
	// derivative directions. Variants without a closed-form graph-level derivative
	// return a NaN-valued constant (see nanJacVec).
	JacVec(n *Node, seeds []*Node) *Node

	// EmitCode writes a specialized loop body evaluating this node into cg, with
	// the given input and output variable names.
	EmitCode(n *Node, cg *CodeGenerator, args, results []string)
}

// identityChecker is implemented by ops that can be semantically the identity of
// their single input (the nonzero-selection family).
type identityChecker interface {
	isIdentity(n *Node) bool
}

// adjointAccumulator is implemented by ops that can route a symbolic adjoint seed
// backward into an accumulator node (the nonzero-selection family).
type adjointAccumulator interface {
	accumulateAdjoint(n *Node, seed, acc *Node) *Node
}

// Node is one vertex of the expression DAG: an operation, its input nodes and the
// sparsity pattern of its output. Nodes are immutable after construction and may
// be input to any number of other nodes.
type Node struct {
	graph   *Graph
	id      NodeId
	pattern sparsity.Pattern
	inputs  []*Node
	op      nodeOp
}

// Graph that owns this node.
func (n *Node) Graph() *Graph { return n.graph }

// Id of this node within its graph. Ascending ids are a topological order.
func (n *Node) Id() NodeId { return n.id }

// Type of the operation performed by this node.
func (n *Node) Type() OpType { return n.op.Type() }

// Pattern returns the sparsity pattern of the node's output, fixed at construction.
func (n *Node) Pattern() sparsity.Pattern { return n.pattern }

// NonzeroCount is a shortcut for n.Pattern().NonzeroCount().
func (n *Node) NonzeroCount() int { return n.pattern.NonzeroCount() }

// Inputs returns the input (dependency) nodes, in order. The returned slice is
// internal and must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// IsIdentity reports whether the node is semantically the identity of its single
// input: same sparsity pattern and an in-order nonzero mapping. Consumers may then
// elide the node, see Simplify.
func (n *Node) IsIdentity() bool {
	if checker, ok := n.op.(identityChecker); ok {
		return checker.isIdentity(n)
	}
	return false
}

// Simplify returns the node's single input if the node is an elidable identity,
// and the node itself otherwise.
func Simplify(n *Node) *Node {
	if n.IsIdentity() {
		return n.inputs[0]
	}
	return n
}

// Clone registers a new node performing the same operation on the same inputs.
// Operation parameters are immutable and therefore shared, never deep-copied.
func (n *Node) Clone() *Node {
	return n.graph.registerNode(n.pattern, n.op, n.inputs...)
}

// Eval computes the node's value and propagates any number of simultaneous forward
// and adjoint sensitivity directions, using the caller-supplied buffers in data.
//
// Concurrent Eval calls on the same node are safe only if they do not share
// buffers; adjoint accumulation into a shared input's AdjSens from multiple
// consumers must be serialized by the driver.
func (n *Node) Eval(data *EvalData) {
	n.checkEvalData(data)
	n.op.Eval(n, data)
}

// Value is a convenience wrapper around Eval with no sensitivity directions.
func (n *Node) Value(inputs [][]float64, output []float64) {
	n.Eval(&EvalData{Inputs: inputs, Output: output})
}

// PropagateSparsityBits performs one structural dependency propagation step: in
// the forward direction each output bit word is derived from the input bit words
// it depends on; in reverse each input word is OR-accumulated from the output
// words and the output words are cleared.
func (n *Node) PropagateSparsityBits(data *BitsData, forward bool) {
	if len(data.Inputs) != len(n.inputs) {
		panicDimension("%s.PropagateSparsityBits: %d input buffers for %d inputs", n.Type(), len(data.Inputs), len(n.inputs))
	}
	for i, input := range n.inputs {
		if len(data.Inputs[i]) != input.NonzeroCount() {
			panicDimension("%s.PropagateSparsityBits: input %d buffer has %d words, want %d",
				n.Type(), i, len(data.Inputs[i]), input.NonzeroCount())
		}
	}
	if len(data.Output) != n.NonzeroCount() {
		panicDimension("%s.PropagateSparsityBits: output buffer has %d words, want %d",
			n.Type(), len(data.Output), n.NonzeroCount())
	}
	n.op.PropagateSparsityBits(n, data, forward)
}

// JacVec builds a new node representing the Jacobian-vector product of this node
// with the given symbolic seeds (one per input, rows = derivative directions).
// Variants without a closed-form graph derivative return a NaN-valued constant, a
// deliberate "no closed form available" signal.
func (n *Node) JacVec(seeds ...*Node) *Node {
	if len(seeds) != len(n.inputs) {
		panicDimension("%s.JacVec: %d seeds for %d inputs", n.Type(), len(seeds), len(n.inputs))
	}
	return n.op.JacVec(n, seeds)
}

// AccumulateAdjoint builds the symbolic reverse-mode update of this node: a new
// accumulator node whose value is acc plus the contributions of the adjoint seed
// routed backward through this node's index mapping. The accumulator's pattern is
// enlarged ("densified on demand") when a contribution falls outside it.
//
// Only the nonzero-selection family supports this; other operations panic with
// UnsupportedOperationError.
func (n *Node) AccumulateAdjoint(seed, acc *Node) *Node {
	accumulator, ok := n.op.(adjointAccumulator)
	if !ok {
		panicUnsupported("%s does not support symbolic adjoint accumulation", n.Type())
	}
	return accumulator.accumulateAdjoint(n, seed, acc)
}

// EmitCode emits a specialized C-like loop body evaluating this node, reading the
// input buffers named by args and writing the output buffer named by results.
// Integer index tables are interned in cg. The representation chosen (index table,
// affine stride, nested affine strides) never changes the computed values.
func (n *Node) EmitCode(cg *CodeGenerator, args, results []string) string {
	if len(args) != len(n.inputs) || len(results) != 1 {
		panicDimension("%s.EmitCode: got %d arg names for %d inputs and %d result names",
			n.Type(), len(args), len(n.inputs), len(results))
	}
	return cg.emit(n, args, results)
}

// String renders the node in short mathematical notation, recursing into inputs
// (e.g. `||x||_2`, `x[0:6:2]`). For diagnostics only, no round-trip guarantee.
func (n *Node) String() string {
	args := xslices.Map(n.inputs, func(input *Node) string { return input.String() })
	return n.op.Format(args)
}

func (n *Node) idString() string {
	if n.id == InvalidNodeId {
		return "?"
	}
	return fmt.Sprintf("%d", n.id)
}

// checkEvalData validates every buffer size against the declared patterns.
// Violations are caller contract errors and panic with DimensionError.
func (n *Node) checkEvalData(data *EvalData) {
	if len(data.Inputs) != len(n.inputs) {
		panicDimension("%s.Eval: %d input buffers for %d inputs", n.Type(), len(data.Inputs), len(n.inputs))
	}
	for i, input := range n.inputs {
		if len(data.Inputs[i]) != input.NonzeroCount() {
			panicDimension("%s.Eval: input %d buffer has %d values, want %d nonzeros",
				n.Type(), i, len(data.Inputs[i]), input.NonzeroCount())
		}
	}
	if len(data.Output) != n.NonzeroCount() {
		panicDimension("%s.Eval: output buffer has %d values, want %d nonzeros",
			n.Type(), len(data.Output), n.NonzeroCount())
	}
	if len(data.FwdSens) != len(data.FwdSeeds) {
		panicDimension("%s.Eval: %d forward seed directions but %d forward sensitivity buffers",
			n.Type(), len(data.FwdSeeds), len(data.FwdSens))
	}
	for d := range data.FwdSeeds {
		if len(data.FwdSeeds[d]) != len(n.inputs) {
			panicDimension("%s.Eval: forward direction %d has %d seed buffers for %d inputs",
				n.Type(), d, len(data.FwdSeeds[d]), len(n.inputs))
		}
		for i, input := range n.inputs {
			if len(data.FwdSeeds[d][i]) != input.NonzeroCount() {
				panicDimension("%s.Eval: forward direction %d seed for input %d has %d values, want %d",
					n.Type(), d, i, len(data.FwdSeeds[d][i]), input.NonzeroCount())
			}
		}
		if len(data.FwdSens[d]) != n.NonzeroCount() {
			panicDimension("%s.Eval: forward direction %d sensitivity buffer has %d values, want %d",
				n.Type(), d, len(data.FwdSens[d]), n.NonzeroCount())
		}
	}
	if len(data.AdjSens) != len(data.AdjSeeds) {
		panicDimension("%s.Eval: %d adjoint seed directions but %d adjoint sensitivity buffers",
			n.Type(), len(data.AdjSeeds), len(data.AdjSens))
	}
	for d := range data.AdjSeeds {
		if len(data.AdjSeeds[d]) != n.NonzeroCount() {
			panicDimension("%s.Eval: adjoint direction %d seed buffer has %d values, want %d",
				n.Type(), d, len(data.AdjSeeds[d]), n.NonzeroCount())
		}
		if len(data.AdjSens[d]) != len(n.inputs) {
			panicDimension("%s.Eval: adjoint direction %d has %d sensitivity buffers for %d inputs",
				n.Type(), d, len(data.AdjSens[d]), len(n.inputs))
		}
		for i, input := range n.inputs {
			if len(data.AdjSens[d][i]) != input.NonzeroCount() {
				panicDimension("%s.Eval: adjoint direction %d sensitivity for input %d has %d values, want %d",
					n.Type(), d, i, len(data.AdjSens[d][i]), input.NonzeroCount())
			}
		}
	}
}
