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
	"strings"

	"github.com/gomlx/sparsemx/types/xslices"
)

// CodeGenerator collects the state shared by the code emitted for the nodes of
// one graph: a deduplicating pool of integer constant tables (index tables of
// gathers, term tables of products), declared once and referenced as s0, s1, ...
// by the emitted loop bodies.
//
// The emitted text is a C-like loop body per node, meant for a downstream
// compiled-evaluation path. Only the string contract matters here; scratch
// pointer variables ii, rr, ss, tt and scalar d are assumed declared by the
// enclosing function.
type CodeGenerator struct {
	constants [][]int
	interned  map[string]int

	w strings.Builder // Target of the node currently being emitted.
}

// NewCodeGenerator returns an empty generator.
func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{interned: make(map[string]int)}
}

// Constant interns an integer table and returns its index: the emitted code
// refers to it as s<index>. Equal tables are pooled once.
func (cg *CodeGenerator) Constant(values []int) int {
	key := fmt.Sprint(values)
	if ind, found := cg.interned[key]; found {
		return ind
	}
	ind := len(cg.constants)
	cg.constants = append(cg.constants, xslices.Copy(values))
	cg.interned[key] = ind
	return ind
}

// ConstantDeclarations renders the pooled tables as C declarations, one
// `static const int s<i>[] = {...};` per table.
func (cg *CodeGenerator) ConstantDeclarations() string {
	var b strings.Builder
	for i, values := range cg.constants {
		_, _ = fmt.Fprintf(&b, "static const int s%d[] = {", i)
		for j, v := range values {
			if j > 0 {
				b.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&b, "%d", v)
		}
		b.WriteString("};\n")
	}
	return b.String()
}

// emit runs the node's code emission and returns the produced loop body.
func (cg *CodeGenerator) emit(n *Node, args, results []string) string {
	cg.w.Reset()
	n.op.EmitCode(n, cg, args, results)
	return cg.w.String()
}

// printf appends formatted text to the loop body being emitted.
func (cg *CodeGenerator) printf(format string, fmtArgs ...any) {
	_, _ = fmt.Fprintf(&cg.w, format, fmtArgs...)
}
