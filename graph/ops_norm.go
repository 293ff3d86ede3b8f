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
	"math"

	"github.com/gomlx/sparsemx/types/sparsity"
)

// Reduction norms: each takes one sparse matrix input, treated as the vector of
// its N nonzeros in row-major order, and reduces it to a 1x1 scalar.
//
// Numeric forward/adjoint rules per variant (x the input nonzeros, s an adjoint
// scalar seed):
//
//	L2:        value sqrt(Σ x_k²),  ∂/∂x_k = x_k/value
//	L2Squared: value Σ x_k²,        ∂/∂x_k = 2·x_k
//	L1:        value Σ |x_k|,       ∂/∂x_k = sign(x_k), NaN at x_k == 0
//	LInf:      value max_k |x_k|,   forward ∂ = sign(x_m)·Δx_m at the maximizer m;
//	           adjoint not implemented (fatal).
//
// Adjoint accumulation for a direction is skipped entirely when its incoming
// scalar seed is exactly zero.

func newNormNode(x *Node, op nodeOp) *Node {
	return x.graph.registerNode(sparsity.Scalar(), op, x)
}

// NormL2 creates the scalar 2-norm (Euclidean norm) of the nonzeros of x.
func NormL2(x *Node) *Node { return newNormNode(x, normL2Op{}) }

// NormL2Squared creates the squared 2-norm of the nonzeros of x.
func NormL2Squared(x *Node) *Node { return newNormNode(x, normL2SquaredOp{}) }

// NormL1 creates the scalar 1-norm of the nonzeros of x. Its derivative is NaN at
// exact zeros of x.
func NormL1(x *Node) *Node { return newNormNode(x, normL1Op{}) }

// NormInf creates the scalar infinity-norm of the nonzeros of x. Requesting
// adjoint sensitivities of this node is a fatal error.
func NormInf(x *Node) *Node { return newNormNode(x, normInfOp{}) }

// normPropagateBits is shared by all norms: the scalar output depends on every
// input nonzero.
func normPropagateBits(data *BitsData, forward bool) {
	in := data.Inputs[0]
	if forward {
		var acc uint64
		for _, w := range in {
			acc |= w
		}
		data.Output[0] = acc
	} else {
		w := data.Output[0]
		for k := range in {
			in[k] |= w
		}
		data.Output[0] = 0
	}
}

type normL2Op struct{}

func (normL2Op) Type() OpType                { return OpTypeNormL2 }
func (normL2Op) Format(args []string) string { return fmt.Sprintf("||%s||_2", args[0]) }

func (normL2Op) Eval(n *Node, data *EvalData) {
	x := data.Inputs[0]
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	value := math.Sqrt(sum)
	data.Output[0] = value

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		var sens float64
		for k, v := range x {
			sens += v / value * seed[k]
		}
		data.FwdSens[d][0] = sens
	}

	for d := range data.AdjSeeds {
		s := data.AdjSeeds[d][0]
		if s == 0 {
			continue
		}
		sens := data.AdjSens[d][0]
		for k, v := range x {
			sens[k] += v / value * s
		}
	}
}

func (normL2Op) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	normPropagateBits(data, forward)
}

// JacVec of the 2-norm: transpose(J·x) / value, reusing the norm node itself as
// the divisor so its value is computed only once per pass.
func (normL2Op) JacVec(n *Node, seeds []*Node) *Node {
	return DivScalar(Transpose(MatMul(seeds[0], n.inputs[0])), n)
}

func (normL2Op) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  *%s = 0; for(ss=%s; ss!=%s+%d; ++ss) *%s += *ss**ss; *%s = sqrt(*%s);\n",
		results[0], args[0], args[0], n.inputs[0].NonzeroCount(), results[0], results[0], results[0])
}

type normL2SquaredOp struct{}

func (normL2SquaredOp) Type() OpType                { return OpTypeNormL2Squared }
func (normL2SquaredOp) Format(args []string) string { return fmt.Sprintf("||%s||_2^2", args[0]) }

func (normL2SquaredOp) Eval(n *Node, data *EvalData) {
	x := data.Inputs[0]
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	data.Output[0] = sum

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		var sens float64
		for k, v := range x {
			sens += 2 * v * seed[k]
		}
		data.FwdSens[d][0] = sens
	}

	for d := range data.AdjSeeds {
		s := data.AdjSeeds[d][0]
		if s == 0 {
			continue
		}
		sens := data.AdjSens[d][0]
		for k, v := range x {
			sens[k] += 2 * v * s
		}
	}
}

func (normL2SquaredOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	normPropagateBits(data, forward)
}

// JacVec of the squared 2-norm: 2·transpose(J·x).
func (normL2SquaredOp) JacVec(n *Node, seeds []*Node) *Node {
	return Scale(2, Transpose(MatMul(seeds[0], n.inputs[0])))
}

func (normL2SquaredOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  *%s = 0; for(ss=%s; ss!=%s+%d; ++ss) *%s += *ss**ss;\n",
		results[0], args[0], args[0], n.inputs[0].NonzeroCount(), results[0])
}

type normL1Op struct{}

func (normL1Op) Type() OpType                { return OpTypeNormL1 }
func (normL1Op) Format(args []string) string { return fmt.Sprintf("||%s||_1", args[0]) }

func (normL1Op) Eval(n *Node, data *EvalData) {
	x := data.Inputs[0]
	var sum float64
	for _, v := range x {
		sum += math.Abs(v)
	}
	data.Output[0] = sum

	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		var sens float64
		for k, v := range x {
			if seed[k] == 0 {
				continue
			}
			switch {
			case v < 0:
				sens -= seed[k]
			case v > 0:
				sens += seed[k]
			default:
				// |x_k| is not differentiable at x_k == 0.
				sens += math.NaN()
			}
		}
		data.FwdSens[d][0] = sens
	}

	for d := range data.AdjSeeds {
		s := data.AdjSeeds[d][0]
		if s == 0 {
			continue
		}
		sens := data.AdjSens[d][0]
		for k, v := range x {
			switch {
			case v < 0:
				sens[k] -= s
			case v > 0:
				sens[k] += s
			default:
				sens[k] += math.NaN()
			}
		}
	}
}

func (normL1Op) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	normPropagateBits(data, forward)
}

// JacVec falls back to the NaN placeholder: the 1-norm has no closed-form
// graph-level derivative here, even though its numeric forward/adjoint rules are
// implemented above.
func (normL1Op) JacVec(n *Node, seeds []*Node) *Node {
	return nanJacVec(n.graph, seeds[0])
}

func (normL1Op) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  *%s = 0; for(ss=%s; ss!=%s+%d; ++ss) *%s += fabs(*ss);\n",
		results[0], args[0], args[0], n.inputs[0].NonzeroCount(), results[0])
}

type normInfOp struct{}

func (normInfOp) Type() OpType                { return OpTypeNormInf }
func (normInfOp) Format(args []string) string { return fmt.Sprintf("||%s||_inf", args[0]) }

func (normInfOp) Eval(n *Node, data *EvalData) {
	x := data.Inputs[0]
	value := 0.0
	maxAt := -1
	for k, v := range x {
		if a := math.Abs(v); a > value {
			value = a
			maxAt = k
		}
	}
	data.Output[0] = value

	// The forward directional derivative at a unique maximizer m is sign(x_m)·Δx_m.
	for d := range data.FwdSens {
		seed := data.FwdSeeds[d][0]
		var sens float64
		if maxAt >= 0 {
			if x[maxAt] < 0 {
				sens = -seed[maxAt]
			} else {
				sens = seed[maxAt]
			}
		} else {
			// All nonzeros are exactly zero: not differentiable for any nonzero seed.
			for _, sv := range seed {
				if sv != 0 {
					sens = math.NaN()
					break
				}
			}
		}
		data.FwdSens[d][0] = sens
	}

	if data.NumAdjoint() > 0 {
		panicUnsupported("NormInf adjoint sensitivities are not implemented")
	}
}

func (normInfOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	normPropagateBits(data, forward)
}

func (normInfOp) JacVec(n *Node, seeds []*Node) *Node {
	return nanJacVec(n.graph, seeds[0])
}

func (normInfOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	cg.printf("  *%s = 0; for(ss=%s; ss!=%s+%d; ++ss) { d = fabs(*ss); if (d > *%s) *%s = d; }\n",
		results[0], args[0], args[0], n.inputs[0].NonzeroCount(), results[0], results[0])
}
