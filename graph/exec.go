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
	"k8s.io/klog/v2"

	"github.com/gomlx/sparsemx/types/xslices"
)

// Exec is a ready-made traversal driver for a fixed set of output nodes: it owns
// the per-node value/seed/sensitivity buffers and walks the graph once per call,
// in topological (ascending id) order for values and forward sensitivities, and
// in reverse order for adjoint sensitivities.
//
// The graph core itself never owns these buffers; anything Exec does can also be
// done by a custom driver calling Node.Eval directly.
//
// An Exec is not safe for concurrent Call*: each concurrent evaluation needs its
// own Exec (the nodes themselves are immutable and can be shared).
type Exec struct {
	graph   *Graph
	outputs []*Node
	order   []*Node // Nodes the outputs depend on, ascending id.
}

// Results of one evaluation with sensitivities.
type Results struct {
	// Outputs holds the nonzero values of each requested output node.
	Outputs [][]float64

	// ForwardSens[o][d] is the direction d forward sensitivity of output o.
	ForwardSens [][][]float64

	// AdjointSens[p][d] is the direction d adjoint sensitivity accumulated on
	// parameter p.
	AdjointSens map[*Node][][]float64
}

// NewExec creates a driver evaluating the given output nodes, which must all
// belong to the same graph.
func NewExec(outputs ...*Node) *Exec {
	if len(outputs) == 0 {
		exceptions.Panicf("NewExec: no output nodes given")
	}
	g := outputs[0].graph
	reachable := make([]bool, g.NumNodes())
	var mark func(n *Node)
	mark = func(n *Node) {
		if n.graph != g {
			panicDimension("NewExec: output nodes belong to different graphs (%q and %q)", g.name, n.graph.name)
		}
		if reachable[n.id] {
			return
		}
		reachable[n.id] = true
		for _, input := range n.inputs {
			mark(input)
		}
	}
	for _, output := range outputs {
		mark(output)
	}
	e := &Exec{graph: g, outputs: outputs}
	for id, r := range reachable {
		if r {
			e.order = append(e.order, g.nodes[id])
		}
	}
	return e
}

// Call evaluates the outputs for the given parameter values (one slice of
// nonzero values per parameter node the outputs depend on).
func (e *Exec) Call(params map[*Node][]float64) ([][]float64, error) {
	results, err := e.CallWithSensitivities(params, nil, nil)
	if err != nil {
		return nil, err
	}
	return results.Outputs, nil
}

// CallWithSensitivities evaluates the outputs and propagates sensitivities:
//
//   - fwdSeeds maps parameter nodes to their forward seeds, one slice per
//     direction; all seeded parameters must carry the same number of directions,
//     unseeded parameters get zero seeds.
//   - adjSeeds maps output nodes to their adjoint seeds, one slice per direction,
//     likewise consistent. Adjoint contributions from all consumers of a shared
//     node are accumulated within this single-threaded pass.
//
// Fatal conditions thrown by the node contracts (UnsupportedOperationError,
// DimensionError) abort the pass and are returned as wrapped errors. NaN values
// produced by derivatives undefined at a point are returned as regular values.
func (e *Exec) CallWithSensitivities(params map[*Node][]float64,
	fwdSeeds map[*Node][][]float64, adjSeeds map[*Node][][]float64) (results *Results, err error) {
	exception := exceptions.Try(func() {
		results = e.run(params, fwdSeeds, adjSeeds)
	})
	if exception == nil {
		return
	}
	results = nil
	if excErr, ok := exception.(error); ok {
		err = errors.WithMessagef(excErr, "evaluating graph %q", e.graph.name)
	} else {
		err = errors.Errorf("evaluating graph %q: %v", e.graph.name, exception)
	}
	return
}

// directionsCount validates that every seed set in seeds carries the same number
// of directions and returns that number.
func directionsCount[K comparable](seeds map[K][][]float64, kind string) int {
	count := -1
	for _, directions := range seeds {
		if count >= 0 && len(directions) != count {
			panicDimension("inconsistent number of %s directions: %d vs %d", kind, len(directions), count)
		}
		count = len(directions)
	}
	if count < 0 {
		return 0
	}
	return count
}

func (e *Exec) run(params map[*Node][]float64, fwdSeeds, adjSeeds map[*Node][][]float64) *Results {
	g := e.graph
	numFwd := directionsCount(fwdSeeds, "forward")
	numAdj := directionsCount(adjSeeds, "adjoint")

	values := make([][]float64, g.NumNodes())
	fwd := make([][][]float64, g.NumNodes())
	adj := make([][][]float64, g.NumNodes())
	for _, n := range e.order {
		values[n.id] = make([]float64, n.NonzeroCount())
		fwd[n.id] = xslices.Slice2DWithValue(0.0, numFwd, n.NonzeroCount())
		adj[n.id] = xslices.Slice2DWithValue(0.0, numAdj, n.NonzeroCount())
	}

	// Value plus forward sensitivity sweep, leaves first.
	for _, n := range e.order {
		if n.Type() == OpTypeParameter {
			given, found := params[n]
			if !found {
				panicDimension("graph %q: no value given for parameter %q", g.name, n.ParameterName())
			}
			if len(given) != n.NonzeroCount() {
				panicDimension("graph %q: parameter %q given %d values, want %d nonzeros",
					g.name, n.ParameterName(), len(given), n.NonzeroCount())
			}
			copy(values[n.id], given)
			for d := 0; d < numFwd; d++ {
				if seeds, seeded := fwdSeeds[n]; seeded {
					if len(seeds[d]) != n.NonzeroCount() {
						panicDimension("graph %q: forward seed %d for parameter %q has %d values, want %d",
							g.name, d, n.ParameterName(), len(seeds[d]), n.NonzeroCount())
					}
					copy(fwd[n.id][d], seeds[d])
				}
			}
			continue
		}
		if klog.V(2).Enabled() {
			klog.Infof("graph %q: eval #%d %s", g.name, n.id, n.Type())
		}
		data := &EvalData{
			Inputs:   e.inputBuffers(values, n),
			Output:   values[n.id],
			FwdSeeds: make([][][]float64, numFwd),
			FwdSens:  fwd[n.id],
		}
		for d := 0; d < numFwd; d++ {
			data.FwdSeeds[d] = make([][]float64, len(n.inputs))
			for i, input := range n.inputs {
				data.FwdSeeds[d][i] = fwd[input.id][d]
			}
		}
		n.Eval(data)
	}

	results := &Results{
		Outputs: xslices.Map(e.outputs, func(n *Node) []float64 { return values[n.id] }),
		ForwardSens: xslices.Map(e.outputs, func(n *Node) [][]float64 {
			return fwd[n.id]
		}),
		AdjointSens: make(map[*Node][][]float64),
	}
	if numAdj == 0 {
		return results
	}

	// Seed the requested outputs.
	for n, seeds := range adjSeeds {
		if n.graph != g || int(n.id) >= len(values) || values[n.id] == nil {
			panicDimension("graph %q: adjoint seed given for a node the outputs do not depend on", g.name)
		}
		for d, seed := range seeds {
			if len(seed) != n.NonzeroCount() {
				panicDimension("graph %q: adjoint seed %d for node #%d has %d values, want %d",
					g.name, d, n.id, len(seed), n.NonzeroCount())
			}
			for k, s := range seed {
				adj[n.id][d][k] += s
			}
		}
	}

	// Adjoint sweep, reverse topological order. Seeds are propagated into each
	// node's inputs' accumulators; element-wise ops consume (zero) their seeds.
	for idx := len(e.order) - 1; idx >= 0; idx-- {
		n := e.order[idx]
		if len(n.inputs) == 0 {
			continue
		}
		if klog.V(2).Enabled() {
			klog.Infof("graph %q: adjoint #%d %s", g.name, n.id, n.Type())
		}
		data := &EvalData{
			Inputs:   e.inputBuffers(values, n),
			Output:   values[n.id],
			AdjSeeds: adj[n.id],
			AdjSens:  make([][][]float64, numAdj),
		}
		for d := 0; d < numAdj; d++ {
			data.AdjSens[d] = make([][]float64, len(n.inputs))
			for i, input := range n.inputs {
				data.AdjSens[d][i] = adj[input.id][d]
			}
		}
		n.Eval(data)
	}

	for _, p := range g.parameters {
		if values[p.id] != nil {
			results.AdjointSens[p] = adj[p.id]
		}
	}
	return results
}

func (e *Exec) inputBuffers(values [][]float64, n *Node) [][]float64 {
	return xslices.Map(n.inputs, func(input *Node) []float64 { return values[input.id] })
}
