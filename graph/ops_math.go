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
	"sort"
	"strconv"

	"github.com/gomlx/sparsemx/types/sparsity"
	"github.com/gomlx/sparsemx/types/xslices"
)

// Support operations used to express the closed-form symbolic derivatives of the
// norms (transpose(J·x)/value and 2·transpose(J·x)) as evaluable graph nodes:
// sparse matrix product, transpose, scaling by a literal and division by a
// scalar node.

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// MatMul creates the sparse matrix product a·b. The product pattern is derived
// from the operand patterns: position (i,j) is a nonzero iff some k has both
// a(i,k) and b(k,j) structurally nonzero.
func MatMul(a, b *Node) *Node {
	ap, bp := a.Pattern(), b.Pattern()
	if ap.Cols() != bp.Rows() {
		panicDimension("MatMul: %dx%d times %dx%d", ap.Rows(), ap.Cols(), bp.Rows(), bp.Cols())
	}
	rows, cols := ap.Rows(), bp.Cols()
	aOffsets, aCols := ap.RowOffsets(), ap.ColIndices()
	bOffsets, bCols := bp.RowOffsets(), bp.ColIndices()

	elementSet := make(map[int]struct{})
	for i := 0; i < rows; i++ {
		for ka := aOffsets[i]; ka < aOffsets[i+1]; ka++ {
			k := aCols[ka]
			for kb := bOffsets[k]; kb < bOffsets[k+1]; kb++ {
				elementSet[i*cols+bCols[kb]] = struct{}{}
			}
		}
	}
	elements := make([]int, 0, len(elementSet))
	for el := range elementSet {
		elements = append(elements, el)
	}
	sort.Ints(elements)
	pattern := sparsity.FromElements(rows, cols, elements)

	// Product terms, resolved to nonzero indices once, shared by evaluation,
	// bit propagation and code generation.
	var terms [][3]int
	for i := 0; i < rows; i++ {
		for ka := aOffsets[i]; ka < aOffsets[i+1]; ka++ {
			k := aCols[ka]
			for kb := bOffsets[k]; kb < bOffsets[k+1]; kb++ {
				m := pattern.LinearIndexOf(i, bCols[kb])
				terms = append(terms, [3]int{m, ka, kb})
			}
		}
	}
	return a.graph.registerNode(pattern, &matMulOp{terms: terms}, a, b)
}

type matMulOp struct {
	terms [][3]int // (product nonzero, a nonzero, b nonzero) per term.
}

func (op *matMulOp) Type() OpType { return OpTypeMatMul }

func (op *matMulOp) Format(args []string) string {
	return fmt.Sprintf("(%s*%s)", args[0], args[1])
}

func (op *matMulOp) Eval(n *Node, data *EvalData) {
	a, b := data.Inputs[0], data.Inputs[1]
	xslices.FillSlice(data.Output, 0)
	for _, t := range op.terms {
		data.Output[t[0]] += a[t[1]] * b[t[2]]
	}

	for d := range data.FwdSens {
		aSeed, bSeed := data.FwdSeeds[d][0], data.FwdSeeds[d][1]
		sens := data.FwdSens[d]
		xslices.FillSlice(sens, 0)
		for _, t := range op.terms {
			sens[t[0]] += aSeed[t[1]]*b[t[2]] + a[t[1]]*bSeed[t[2]]
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		aSens, bSens := data.AdjSens[d][0], data.AdjSens[d][1]
		for _, t := range op.terms {
			aSens[t[1]] += seed[t[0]] * b[t[2]]
			bSens[t[2]] += a[t[1]] * seed[t[0]]
		}
		xslices.FillSlice(seed, 0)
	}
}

func (op *matMulOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	aBits, bBits := data.Inputs[0], data.Inputs[1]
	if forward {
		for i := range data.Output {
			data.Output[i] = 0
		}
		for _, t := range op.terms {
			data.Output[t[0]] |= aBits[t[1]] | bBits[t[2]]
		}
	} else {
		for _, t := range op.terms {
			aBits[t[1]] |= data.Output[t[0]]
			bBits[t[2]] |= data.Output[t[0]]
		}
		for i := range data.Output {
			data.Output[i] = 0
		}
	}
}

func (op *matMulOp) JacVec(n *Node, seeds []*Node) *Node {
	return nanJacVec(n.graph, seeds[0])
}

func (op *matMulOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	flat := make([]int, 0, 3*len(op.terms))
	for _, t := range op.terms {
		flat = append(flat, t[0], t[1], t[2])
	}
	ind := cg.Constant(flat)
	cg.printf("  for(rr=%s; rr!=%s+%d; ++rr) *rr = 0;\n", results[0], results[0], n.NonzeroCount())
	cg.printf("  for(ii=s%d; ii!=s%d+%d; ii+=3) %s[ii[0]] += %s[ii[1]]*%s[ii[2]];\n",
		ind, ind, len(flat), results[0], args[0], args[1])
}

// Transpose creates the transpose of x. The output keeps the same nonzeros,
// re-enumerated in the transposed pattern's row-major order.
func Transpose(x *Node) *Node {
	xp := x.Pattern()
	rows, cols := xp.Cols(), xp.Rows() // Transposed dimensions.
	type pair struct{ element, source int }
	pairs := make([]pair, xp.NonzeroCount())
	for k := range pairs {
		pairs[k] = pair{element: xp.ColOf(k)*cols + xp.RowOf(k), source: k}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].element < pairs[j].element })
	elements := make([]int, len(pairs))
	perm := make([]int, len(pairs))
	for t, p := range pairs {
		elements[t] = p.element
		perm[t] = p.source
	}
	pattern := sparsity.FromElements(rows, cols, elements)
	return x.graph.registerNode(pattern, &transposeOp{perm: perm}, x)
}

type transposeOp struct {
	perm []int // Output nonzero t holds input nonzero perm[t].
}

func (op *transposeOp) Type() OpType                { return OpTypeTranspose }
func (op *transposeOp) Format(args []string) string { return args[0] + "'" }

func (op *transposeOp) Eval(n *Node, data *EvalData) {
	in := data.Inputs[0]
	for t, k := range op.perm {
		data.Output[t] = in[k]
	}

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		sens := data.FwdSens[d]
		for t, k := range op.perm {
			sens[t] = seed[k]
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		sens := data.AdjSens[d][0]
		for t, k := range op.perm {
			sens[k] += seed[t]
			seed[t] = 0
		}
	}
}

func (op *transposeOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	in := data.Inputs[0]
	if forward {
		for t, k := range op.perm {
			data.Output[t] = in[k]
		}
	} else {
		for t, k := range op.perm {
			in[k] |= data.Output[t]
			data.Output[t] = 0
		}
	}
}

// JacVec: transposition is linear, the derivative transposes the (input-shaped,
// single direction) seed.
func (op *transposeOp) JacVec(n *Node, seeds []*Node) *Node {
	seed := seeds[0]
	input := n.inputs[0]
	if seed.Pattern().Rows() != input.Pattern().Rows() || seed.Pattern().Cols() != input.Pattern().Cols() {
		panicDimension("Transpose.JacVec: seed is %dx%d, want the input's shape %dx%d",
			seed.Pattern().Rows(), seed.Pattern().Cols(), input.Pattern().Rows(), input.Pattern().Cols())
	}
	return Transpose(seed)
}

func (op *transposeOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	ind := cg.Constant(op.perm)
	cg.printf("  for(ii=s%d, rr=%s, ss=%s; ii!=s%d+%d; ++ii) *rr++ = ss[*ii];\n",
		ind, results[0], args[0], ind, len(op.perm))
}

// Scale creates the node alpha·x for a literal alpha.
func Scale(alpha float64, x *Node) *Node {
	return x.graph.registerNode(x.Pattern(), &scaleOp{alpha: alpha}, x)
}

type scaleOp struct {
	alpha float64
}

func (op *scaleOp) Type() OpType { return OpTypeScale }

func (op *scaleOp) Format(args []string) string {
	return fmt.Sprintf("(%s*%s)", formatFloat(op.alpha), args[0])
}

func (op *scaleOp) Eval(n *Node, data *EvalData) {
	in := data.Inputs[0]
	for k, v := range in {
		data.Output[k] = op.alpha * v
	}

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		sens := data.FwdSens[d]
		for k, v := range seed {
			sens[k] = op.alpha * v
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		sens := data.AdjSens[d][0]
		for k, s := range seed {
			sens[k] += op.alpha * s
			seed[k] = 0
		}
	}
}

func (op *scaleOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	in := data.Inputs[0]
	if forward {
		copy(data.Output, in)
	} else {
		for k, w := range data.Output {
			in[k] |= w
			data.Output[k] = 0
		}
	}
}

func (op *scaleOp) JacVec(n *Node, seeds []*Node) *Node {
	return Scale(op.alpha, seeds[0])
}

func (op *scaleOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  for(rr=%s, ss=%s; ss!=%s+%d; ++ss) *rr++ = %s**ss;\n",
		results[0], args[0], args[0], n.NonzeroCount(), formatFloat(op.alpha))
}

// DivScalar creates the node x/s, s a scalar (1x1) node.
func DivScalar(x, s *Node) *Node {
	if !s.Pattern().IsScalar() {
		panicDimension("DivScalar: divisor must be a dense 1x1 scalar, got %s", s.Pattern())
	}
	return x.graph.registerNode(x.Pattern(), divScalarOp{}, x, s)
}

type divScalarOp struct{}

func (divScalarOp) Type() OpType { return OpTypeDivScalar }

func (divScalarOp) Format(args []string) string {
	return fmt.Sprintf("(%s/%s)", args[0], args[1])
}

func (divScalarOp) Eval(n *Node, data *EvalData) {
	x := data.Inputs[0]
	s := data.Inputs[1][0]
	for k, v := range x {
		data.Output[k] = v / s
	}

	for d := range data.FwdSens {
		xSeed, sSeed := data.FwdSeeds[d][0], data.FwdSeeds[d][1][0]
		sens := data.FwdSens[d]
		for k, v := range x {
			sens[k] = xSeed[k]/s - v*sSeed/(s*s)
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		xSens, sSens := data.AdjSens[d][0], data.AdjSens[d][1]
		for k, v := range x {
			xSens[k] += seed[k] / s
			sSens[0] -= v * seed[k] / (s * s)
			seed[k] = 0
		}
	}
}

func (divScalarOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	xBits, sBits := data.Inputs[0], data.Inputs[1]
	if forward {
		for k, w := range xBits {
			data.Output[k] = w | sBits[0]
		}
	} else {
		for k, w := range data.Output {
			xBits[k] |= w
			sBits[0] |= w
			data.Output[k] = 0
		}
	}
}

// JacVec: no closed form is built for the quotient (it would need elementwise
// products of two non-leaf nodes); the NaN placeholder applies.
func (divScalarOp) JacVec(n *Node, seeds []*Node) *Node {
	return nanJacVec(n.graph, seeds[0])
}

func (divScalarOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  for(rr=%s, ss=%s; ss!=%s+%d; ++ss) *rr++ = *ss / *%s;\n",
		results[0], args[0], args[0], n.NonzeroCount(), args[1])
}
