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

// Nonzero selection ("gather"): a node whose i-th output nonzero, in the
// row-major order of its pattern, is input nonzero nz[i], or structural zero when
// nz[i] == AbsentNonzero.
//
// Three storage/code-generation variants share identical value and sensitivity
// semantics: the generic index table, a single affine stride, and an outer affine
// stride over blocks each traversed by an inner affine stride. The compact
// variants are recognized opportunistically at construction.

// AbsentNonzero marks output positions of a nonzero mapping that select a
// structural zero instead of an input nonzero.
const AbsentNonzero = -1

// nzMapper is implemented by the gather variants: ops fully described by their
// output-position to input-nonzero mapping.
type nzMapper interface {
	// gatherIndices returns the mapping, one entry per output nonzero in
	// row-major order, AbsentNonzero for structural zeros. Compact variants
	// materialize it on demand.
	gatherIndices() []int
}

// GetNonzeros creates a node selecting nonzeros of x: output nonzero i takes the
// value of input nonzero nz[i], or structural zero when nz[i] == AbsentNonzero.
// The output pattern may differ from x's in shape and nonzero count.
//
// When x is itself a nonzero selection, the two mappings are composed into a
// single flattened node ("gather of gather"), keeping graph depth bounded. When
// the (flattened) mapping is affine, or blockwise affine, a compact slice variant
// is stored instead of the index table. The node is never auto-elided: use
// Simplify to replace an identity selection by its input.
func GetNonzeros(pattern sparsity.Pattern, x *Node, nz []int) *Node {
	if len(nz) != pattern.NonzeroCount() {
		panicDimension("GetNonzeros: mapping has %d entries for a pattern with %d nonzeros",
			len(nz), pattern.NonzeroCount())
	}
	for i, k := range nz {
		if k < AbsentNonzero || k >= x.NonzeroCount() {
			panicDimension("GetNonzeros: mapping entry %d (=%d) out of the input's %d nonzeros", i, k, x.NonzeroCount())
		}
	}
	nz = xslices.Copy(nz)
	if len(nz) == 0 {
		nz = []int{} // Distinguish an empty mapping from a nil one.
	}

	// Flatten gather-of-gather by composing the mappings. One step suffices: x
	// was flattened when it was built.
	if mapper, ok := x.op.(nzMapper); ok {
		inner := mapper.gatherIndices()
		for i, k := range nz {
			if k >= 0 {
				nz[i] = inner[k]
			}
		}
		x = x.inputs[0]
	}

	var op nodeOp
	if s, ok := sliceFromIndices(nz); ok {
		op = &getNonzerosSliceOp{s: s}
	} else if outer, inner, ok := slice2FromIndices(nz); ok {
		op = &getNonzerosSlice2Op{outer: outer, inner: inner}
	} else {
		op = &getNonzerosOp{nz: nz}
	}
	return x.graph.registerNode(pattern, op, x)
}

// Densify returns a node with the enlarged pattern whose nonzeros hold x's values
// where x has them and zero elsewhere. The pattern must contain x's pattern.
func Densify(x *Node, pattern sparsity.Pattern) *Node {
	nz := pattern.Elements()
	x.Pattern().LookupElements(nz)
	return Simplify(GetNonzeros(pattern, x, nz))
}

// gatherEval implements value and sensitivity propagation for all gather
// variants. The forward pass applies the same selection to the seeds; the adjoint
// pass scatter-adds each output seed into the selected input position, consuming
// (zeroing) the seed buffer.
func gatherEval(data *EvalData, nz []int) {
	in := data.Inputs[0]
	for i, k := range nz {
		if k >= 0 {
			data.Output[i] = in[k]
		} else {
			data.Output[i] = 0
		}
	}

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		sens := data.FwdSens[d]
		for i, k := range nz {
			if k >= 0 {
				sens[i] = seed[k]
			} else {
				sens[i] = 0
			}
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		sens := data.AdjSens[d][0]
		for i, k := range nz {
			if k >= 0 {
				sens[k] += seed[i]
			}
			seed[i] = 0
		}
	}
}

// gatherPropagateBits uses the identical mapping as gatherEval, on dependency
// bit words instead of values.
func gatherPropagateBits(data *BitsData, nz []int, forward bool) {
	in := data.Inputs[0]
	if forward {
		for i, k := range nz {
			if k >= 0 {
				data.Output[i] = in[k]
			} else {
				data.Output[i] = 0
			}
		}
	} else {
		for i, k := range nz {
			if k >= 0 {
				in[k] |= data.Output[i]
			}
			data.Output[i] = 0
		}
	}
}

// gatherJacVec builds the symbolic forward derivative of a gather: the same
// selection applied to the symbolic seed. The seed must have the input's shape
// but may have any pattern; the result pattern keeps only the output positions
// whose selected input element is present in the seed.
func gatherJacVec(n *Node, seed *Node, nz []int) *Node {
	input := n.inputs[0]
	isp, osp := input.Pattern(), n.Pattern()
	if seed.Pattern().Rows() != isp.Rows() || seed.Pattern().Cols() != isp.Cols() {
		panicDimension("%s.JacVec: seed is %dx%d, want the input's shape %dx%d",
			n.Type(), seed.Pattern().Rows(), seed.Pattern().Cols(), isp.Rows(), isp.Cols())
	}

	// Element selected by each output position, located inside the seed pattern.
	inputEls := isp.Elements()
	rNz := make([]int, len(nz))
	for i, k := range nz {
		if k >= 0 {
			rNz[i] = inputEls[k]
		} else {
			rNz[i] = AbsentNonzero
		}
	}
	seed.Pattern().LookupElements(rNz)

	// Keep the output positions with a matching seed nonzero.
	outputEls := osp.Elements()
	keptEls := make([]int, 0, len(rNz))
	keptNz := make([]int, 0, len(rNz))
	for i, k := range rNz {
		if k >= 0 {
			keptEls = append(keptEls, outputEls[i])
			keptNz = append(keptNz, k)
		}
	}
	derivativePattern := sparsity.FromElements(osp.Rows(), osp.Cols(), keptEls)
	if len(keptNz) == 0 {
		return Zeros(n.graph, derivativePattern)
	}
	return Simplify(GetNonzeros(derivativePattern, seed, keptNz))
}

// gatherAccumulateAdjoint builds the symbolic reverse-mode update of a gather:
// acc plus the seed contributions routed backward through the mapping. When a
// contribution lands on an input position absent from acc's pattern, acc is
// first densified to the union of its pattern and the input's full pattern, so
// no contribution is ever silently dropped.
func gatherAccumulateAdjoint(n *Node, seed, acc *Node, nz []int) *Node {
	input := n.inputs[0]
	isp, osp := input.Pattern(), n.Pattern()
	if seed.Pattern().Rows() != osp.Rows() || seed.Pattern().Cols() != osp.Cols() {
		panicDimension("%s.AccumulateAdjoint: seed is %dx%d, want the output's shape %dx%d",
			n.Type(), seed.Pattern().Rows(), seed.Pattern().Cols(), osp.Rows(), osp.Cols())
	}
	if acc.Pattern().Rows() != isp.Rows() || acc.Pattern().Cols() != isp.Cols() {
		panicDimension("%s.AccumulateAdjoint: accumulator is %dx%d, want the input's shape %dx%d",
			n.Type(), acc.Pattern().Rows(), acc.Pattern().Cols(), isp.Rows(), isp.Cols())
	}

	// Output position of each seed nonzero; drop those routed to a structural zero.
	rNz := seed.Pattern().Elements()
	osp.LookupElements(rNz)
	anyToAdd := false
	for j, k := range rNz {
		if k >= 0 {
			if nz[k] >= 0 {
				anyToAdd = true
			} else {
				rNz[j] = AbsentNonzero
			}
		}
	}
	if !anyToAdd {
		return acc
	}

	// Location of each input nonzero inside the accumulator.
	inputEls := isp.Elements()
	accNz := xslices.Copy(inputEls)
	acc.Pattern().LookupElements(accNz)

	// Densify on demand when not all additions fit the accumulator's pattern.
	for _, k := range rNz {
		if k >= 0 && accNz[nz[k]] < 0 {
			acc = Densify(acc, acc.Pattern().Union(isp))
			copy(accNz, inputEls)
			acc.Pattern().LookupElements(accNz)
			break
		}
	}

	// Point the mapping at accumulator nonzeros instead of output positions.
	for j, k := range rNz {
		if k >= 0 {
			rNz[j] = accNz[nz[k]]
		}
	}
	return AddNonzeros(seed, acc, rNz)
}

type getNonzerosOp struct {
	nz []int
}

func (op *getNonzerosOp) Type() OpType        { return OpTypeGetNonzeros }
func (op *getNonzerosOp) gatherIndices() []int { return op.nz }

func (op *getNonzerosOp) Format(args []string) string {
	return fmt.Sprintf("%s%v", args[0], op.nz)
}

func (op *getNonzerosOp) Eval(n *Node, data *EvalData) {
	gatherEval(data, op.nz)
}

func (op *getNonzerosOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	gatherPropagateBits(data, op.nz, forward)
}

func (op *getNonzerosOp) JacVec(n *Node, seeds []*Node) *Node {
	return gatherJacVec(n, seeds[0], op.nz)
}

func (op *getNonzerosOp) accumulateAdjoint(n *Node, seed, acc *Node) *Node {
	return gatherAccumulateAdjoint(n, seed, acc, op.nz)
}

func (op *getNonzerosOp) isIdentity(n *Node) bool {
	if !n.pattern.Equal(n.inputs[0].Pattern()) {
		return false
	}
	for i, k := range op.nz {
		if k != i {
			return false
		}
	}
	return true
}

func (op *getNonzerosOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	ind := cg.Constant(op.nz)
	cg.printf("  for(ii=s%d, rr=%s, ss=%s; ii!=s%d+%d; ++ii) *rr++ = *ii>=0 ? ss[*ii] : 0;\n",
		ind, results[0], args[0], ind, len(op.nz))
}

type getNonzerosSliceOp struct {
	s Slice
}

func (op *getNonzerosSliceOp) Type() OpType        { return OpTypeGetNonzerosSlice }
func (op *getNonzerosSliceOp) gatherIndices() []int { return op.s.Indices() }

func (op *getNonzerosSliceOp) Format(args []string) string {
	return fmt.Sprintf("%s[%s]", args[0], op.s)
}

func (op *getNonzerosSliceOp) Eval(n *Node, data *EvalData) {
	in := data.Inputs[0]
	i := 0
	for k := op.s.Start; k != op.s.Stop; k += op.s.Step {
		data.Output[i] = in[k]
		i++
	}

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		sens := data.FwdSens[d]
		i = 0
		for k := op.s.Start; k != op.s.Stop; k += op.s.Step {
			sens[i] = seed[k]
			i++
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		sens := data.AdjSens[d][0]
		i = 0
		for k := op.s.Start; k != op.s.Stop; k += op.s.Step {
			sens[k] += seed[i]
			seed[i] = 0
			i++
		}
	}
}

func (op *getNonzerosSliceOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	in := data.Inputs[0]
	i := 0
	if forward {
		for k := op.s.Start; k != op.s.Stop; k += op.s.Step {
			data.Output[i] = in[k]
			i++
		}
	} else {
		for k := op.s.Start; k != op.s.Stop; k += op.s.Step {
			in[k] |= data.Output[i]
			data.Output[i] = 0
			i++
		}
	}
}

func (op *getNonzerosSliceOp) JacVec(n *Node, seeds []*Node) *Node {
	return gatherJacVec(n, seeds[0], op.s.Indices())
}

func (op *getNonzerosSliceOp) accumulateAdjoint(n *Node, seed, acc *Node) *Node {
	return gatherAccumulateAdjoint(n, seed, acc, op.s.Indices())
}

func (op *getNonzerosSliceOp) isIdentity(n *Node) bool {
	return n.pattern.Equal(n.inputs[0].Pattern()) && op.s.Start == 0 && op.s.Step == 1
}

func (op *getNonzerosSliceOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  for(rr=%s, ss=%s+%d; ss!=%s+%d; ss+=%d) *rr++ = *ss;\n",
		results[0], args[0], op.s.Start, args[0], op.s.Stop, op.s.Step)
}

type getNonzerosSlice2Op struct {
	outer, inner Slice
}

func (op *getNonzerosSlice2Op) Type() OpType { return OpTypeGetNonzerosSlice2 }

func (op *getNonzerosSlice2Op) gatherIndices() []int {
	indices := make([]int, 0, op.outer.Len()*op.inner.Len())
	for b := op.outer.Start; b != op.outer.Stop; b += op.outer.Step {
		for j := op.inner.Start; j != op.inner.Stop; j += op.inner.Step {
			indices = append(indices, b+j)
		}
	}
	return indices
}

func (op *getNonzerosSlice2Op) Format(args []string) string {
	return fmt.Sprintf("%s[%s;%s]", args[0], op.outer, op.inner)
}

func (op *getNonzerosSlice2Op) Eval(n *Node, data *EvalData) {
	in := data.Inputs[0]
	i := 0
	for b := op.outer.Start; b != op.outer.Stop; b += op.outer.Step {
		for j := op.inner.Start; j != op.inner.Stop; j += op.inner.Step {
			data.Output[i] = in[b+j]
			i++
		}
	}

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		sens := data.FwdSens[d]
		i = 0
		for b := op.outer.Start; b != op.outer.Stop; b += op.outer.Step {
			for j := op.inner.Start; j != op.inner.Stop; j += op.inner.Step {
				sens[i] = seed[b+j]
				i++
			}
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		sens := data.AdjSens[d][0]
		i = 0
		for b := op.outer.Start; b != op.outer.Stop; b += op.outer.Step {
			for j := op.inner.Start; j != op.inner.Stop; j += op.inner.Step {
				sens[b+j] += seed[i]
				seed[i] = 0
				i++
			}
		}
	}
}

func (op *getNonzerosSlice2Op) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	gatherPropagateBits(data, op.gatherIndices(), forward)
}

func (op *getNonzerosSlice2Op) JacVec(n *Node, seeds []*Node) *Node {
	return gatherJacVec(n, seeds[0], op.gatherIndices())
}

func (op *getNonzerosSlice2Op) accumulateAdjoint(n *Node, seed, acc *Node) *Node {
	return gatherAccumulateAdjoint(n, seed, acc, op.gatherIndices())
}

// isIdentity is always false: an identity mapping is affine, so it is classified
// as a single slice, never as a double slice.
func (op *getNonzerosSlice2Op) isIdentity(n *Node) bool { return false }

func (op *getNonzerosSlice2Op) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  for(rr=%s, ss=%s+%d; ss!=%s+%d; ss+=%d) for(tt=ss+%d; tt!=ss+%d; tt+=%d) *rr++ = *tt;\n",
		results[0], args[0], op.outer.Start, args[0], op.outer.Stop, op.outer.Step,
		op.inner.Start, op.inner.Stop, op.inner.Step)
}
