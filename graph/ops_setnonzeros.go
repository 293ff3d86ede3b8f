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

	"github.com/gomlx/sparsemx/types/xslices"
)

// AddNonzeros is the scatter-add dual of GetNonzeros: the output equals the
// accumulator acc with each nonzero j of y added into accumulator nonzero nz[j]
// (entries equal to AbsentNonzero are discarded). It is the building block of
// symbolic adjoint accumulation, see Node.AccumulateAdjoint.
func AddNonzeros(y, acc *Node, nz []int) *Node {
	if len(nz) != y.NonzeroCount() {
		panicDimension("AddNonzeros: mapping has %d entries for %d nonzeros of y", len(nz), y.NonzeroCount())
	}
	for j, k := range nz {
		if k < AbsentNonzero || k >= acc.NonzeroCount() {
			panicDimension("AddNonzeros: mapping entry %d (=%d) out of the accumulator's %d nonzeros",
				j, k, acc.NonzeroCount())
		}
	}
	return y.graph.registerNode(acc.Pattern(), &addNonzerosOp{nz: xslices.Copy(nz)}, y, acc)
}

type addNonzerosOp struct {
	nz []int // One entry per nonzero of y, indexing the accumulator's nonzeros.
}

func (op *addNonzerosOp) Type() OpType { return OpTypeAddNonzeros }

func (op *addNonzerosOp) Format(args []string) string {
	return fmt.Sprintf("(%s @%v+= %s)", args[1], op.nz, args[0])
}

func (op *addNonzerosOp) Eval(n *Node, data *EvalData) {
	y, acc := data.Inputs[0], data.Inputs[1]
	copy(data.Output, acc)
	for j, k := range op.nz {
		if k >= 0 {
			data.Output[k] += y[j]
		}
	}

	for d := range data.FwdSens {
		ySeed, accSeed := data.FwdSeeds[d][0], data.FwdSeeds[d][1]
		sens := data.FwdSens[d]
		copy(sens, accSeed)
		for j, k := range op.nz {
			if k >= 0 {
				sens[k] += ySeed[j]
			}
		}
	}

	for d := range data.AdjSeeds {
		seed := data.AdjSeeds[d]
		ySens, accSens := data.AdjSens[d][0], data.AdjSens[d][1]
		for j, k := range op.nz {
			if k >= 0 {
				ySens[j] += seed[k]
			}
		}
		for i, s := range seed {
			accSens[i] += s
			seed[i] = 0
		}
	}
}

func (op *addNonzerosOp) PropagateSparsityBits(n *Node, data *BitsData, forward bool) {
	yBits, accBits := data.Inputs[0], data.Inputs[1]
	if forward {
		copy(data.Output, accBits)
		for j, k := range op.nz {
			if k >= 0 {
				data.Output[k] |= yBits[j]
			}
		}
	} else {
		for j, k := range op.nz {
			if k >= 0 {
				yBits[j] |= data.Output[k]
			}
		}
		for i, w := range data.Output {
			accBits[i] |= w
			data.Output[i] = 0
		}
	}
}

// JacVec: the operation is linear, so the derivative repeats the scatter-add on
// the seeds. Seeds with a smaller pattern than their input are densified first so
// the stored mapping stays valid.
func (op *addNonzerosOp) JacVec(n *Node, seeds []*Node) *Node {
	ySeed := densifyToMatch(seeds[0], n.inputs[0])
	accSeed := densifyToMatch(seeds[1], n.inputs[1])
	return AddNonzeros(ySeed, accSeed, op.nz)
}

func (op *addNonzerosOp) EmitCode(n *Node, cg *CodeGenerator, args, results []string) {
	ind := cg.Constant(op.nz)
	cg.printf("  for(rr=%s, ss=%s; ss!=%s+%d; ++ss) *rr++ = *ss;\n",
		results[0], args[1], args[1], n.NonzeroCount())
	cg.printf("  for(ii=s%d, ss=%s; ii!=s%d+%d; ++ii, ++ss) if(*ii>=0) %s[*ii] += *ss;\n",
		ind, args[0], ind, len(op.nz), results[0])
}

// densifyToMatch enlarges seed's pattern to its input node's pattern, so both
// share the same nonzero indexing. It panics if the seed has nonzeros outside the
// input's pattern.
func densifyToMatch(seed, input *Node) *Node {
	if seed.Pattern().Equal(input.Pattern()) {
		return seed
	}
	union := seed.Pattern().Union(input.Pattern())
	if !union.Equal(input.Pattern()) {
		panicDimension("seed pattern %s is not contained in the input pattern %s",
			seed.Pattern(), input.Pattern())
	}
	return Densify(seed, union)
}
