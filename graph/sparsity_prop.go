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
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/sparsemx/types/xslices"
)

// PropagateSparsityBits runs a whole-graph structural dependency pass over the
// nodes the Exec's outputs depend on, with no floating-point evaluation:
//
//   - forward: seeds are dependency bit words on leaf (or intermediate) nodes;
//     the returned map holds the propagated words of each output node.
//   - reverse: seeds are bit words on output nodes; the returned map holds the
//     OR-accumulated words of each parameter node.
//
// Each node applies the exact same index mapping as its numeric evaluation, so
// a set bit in an output word means the corresponding input nonzero influences
// that output nonzero.
func (e *Exec) PropagateSparsityBits(seeds map[*Node][]uint64, forward bool) (results map[*Node][]uint64, err error) {
	exception := exceptions.Try(func() {
		results = e.runBits(seeds, forward)
	})
	if exception == nil {
		return
	}
	results = nil
	if excErr, ok := exception.(error); ok {
		err = errors.WithMessagef(excErr, "propagating sparsity bits in graph %q", e.graph.name)
	} else {
		err = errors.Errorf("propagating sparsity bits in graph %q: %v", e.graph.name, exception)
	}
	return
}

func (e *Exec) runBits(seeds map[*Node][]uint64, forward bool) map[*Node][]uint64 {
	g := e.graph
	bits := make([][]uint64, g.NumNodes())
	for _, n := range e.order {
		bits[n.id] = make([]uint64, n.NonzeroCount())
	}
	for n, words := range seeds {
		if n.graph != g || bits[n.id] == nil {
			panicDimension("graph %q: sparsity-bit seed given for a node the outputs do not depend on", g.name)
		}
		if len(words) != n.NonzeroCount() {
			panicDimension("graph %q: sparsity-bit seed for node #%d has %d words, want %d",
				g.name, n.id, len(words), n.NonzeroCount())
		}
		for k, w := range words {
			bits[n.id][k] |= w
		}
	}

	if forward {
		for _, n := range e.order {
			if len(n.inputs) == 0 {
				continue
			}
			n.PropagateSparsityBits(&BitsData{Inputs: e.bitBuffers(bits, n), Output: bits[n.id]}, true)
		}
		results := make(map[*Node][]uint64, len(e.outputs))
		for _, output := range e.outputs {
			results[output] = bits[output.id]
		}
		return results
	}

	for idx := len(e.order) - 1; idx >= 0; idx-- {
		n := e.order[idx]
		if len(n.inputs) == 0 {
			continue
		}
		n.PropagateSparsityBits(&BitsData{Inputs: e.bitBuffers(bits, n), Output: bits[n.id]}, false)
	}
	results := make(map[*Node][]uint64)
	for _, p := range g.parameters {
		if bits[p.id] != nil {
			results[p] = bits[p.id]
		}
	}
	return results
}

func (e *Exec) bitBuffers(bits [][]uint64, n *Node) [][]uint64 {
	return xslices.Map(n.inputs, func(input *Node) []uint64 { return bits[input.id] })
}
