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

// Package graph implements a symbolic computation graph for sparse matrix-valued
// expressions, as used inside nonlinear-optimization toolchains.
//
// Expressions are nodes in a directed acyclic graph (DAG). Each Node carries a
// sparsity pattern (see the types/sparsity package) fixed at construction, and an
// operation. Per node, the package supports:
//
//   - Numeric evaluation, with an arbitrary number of simultaneous forward and
//     adjoint (reverse-mode) sensitivity directions (Node.Eval).
//   - Purely structural bit-mask dependency propagation, usable without any
//     floating-point evaluation (Node.PropagateSparsityBits).
//   - Symbolic differentiation: building new graph nodes that represent
//     Jacobian-vector products (Node.JacVec), so derivative graphs can themselves
//     be differentiated or evaluated.
//   - Specialized code emission: a textual C-like loop body per operation, chosen
//     per access pattern (Node.EmitCode with a CodeGenerator).
//
// Nodes are created bottom-up with the builder functions (Parameter, Const,
// NormL2, GetNonzeros, ...). A node's pattern is a pure function of its inputs'
// patterns and its parameters, and never changes. Nodes are immutable after
// construction; all per-pass value/seed/sensitivity buffers are owned by the
// caller (see Exec for a ready-made traversal driver).
//
// Fatal contract violations (unsupported operations, mismatched buffer sizes)
// panic with UnsupportedOperationError or DimensionError values; Exec converts
// them to wrapped errors. Mathematically undefined derivative values (the 1-norm
// at an exact zero) are deliberately propagated as NaN, not as errors.
package graph

import (
	"strings"

	"github.com/gomlx/sparsemx/types/sparsity"
)

// NodeId is a unique Node id within a Graph. Ids are assigned in construction
// order, so ascending id order is a valid topological (leaves-first) order.
type NodeId int

// InvalidNodeId is the id of nodes not registered in any graph.
const InvalidNodeId = NodeId(-1)

// Graph is an arena owning the nodes of one expression DAG. Nodes are addressed
// by stable NodeId indices, and may be shared by any number of consumer nodes
// within the same Graph ("fan-in"); they are never deep-copied.
type Graph struct {
	name  string
	nodes []*Node

	parameters []*Node
}

// New creates an empty Graph with the given name (used only for diagnostics).
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph, set at construction.
func (g *Graph) Name() string { return g.name }

// NumNodes returns how many nodes are registered in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NodeById returns the node with the given id. It panics if the id is invalid.
func (g *Graph) NodeById(id NodeId) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		panicDimension("Graph.NodeById: id %d out of range, graph %q has %d nodes", id, g.name, len(g.nodes))
	}
	return g.nodes[id]
}

// Parameters returns the parameter (leaf input) nodes, in creation order.
func (g *Graph) Parameters() []*Node { return g.parameters }

// registerNode wires a new node into the arena and returns it. All inputs must
// already belong to this graph, which also guarantees acyclicity and that ids
// are topologically ordered.
func (g *Graph) registerNode(pattern sparsity.Pattern, op nodeOp, inputs ...*Node) *Node {
	for _, input := range inputs {
		if input == nil || input.graph != g {
			panicDimension("graph %q: op %s given an input node from a different graph (or nil)", g.name, op.Type())
		}
	}
	n := &Node{
		graph:   g,
		id:      NodeId(len(g.nodes)),
		pattern: pattern,
		inputs:  inputs,
		op:      op,
	}
	g.nodes = append(g.nodes, n)
	return n
}

// String lists the nodes of the graph, one per line, in id (topological) order.
func (g *Graph) String() string {
	var b strings.Builder
	b.WriteString("Graph " + g.name + ":\n")
	for _, n := range g.nodes {
		b.WriteString("\t#")
		b.WriteString(n.idString())
		b.WriteString(": ")
		b.WriteString(n.String())
		b.WriteString(" : ")
		b.WriteString(n.pattern.String())
		b.WriteString("\n")
	}
	return b.String()
}
