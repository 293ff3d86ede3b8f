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

// Package sparsity defines Pattern, the structural description of which (row, column)
// positions of a matrix are nonzero, independent of the actual values.
//
// A Pattern is stored in compressed-row ("CRS") form: a row-offsets array of length
// rows+1 and a column-indices array with one entry per structural nonzero, sorted
// row-major (by row, then by column within each row). Nonzeros are addressed by their
// linear index in this row-major order; that linear index is the unit of data layout
// for every value/seed/sensitivity buffer in the graph package.
//
// Patterns are immutable values. All operations return new Patterns.
package sparsity

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
)

// Pattern is the set of structurally nonzero positions of a rows x cols matrix,
// in compressed-row form. The zero value is the empty 0x0 pattern.
//
// Use Make, Dense or Scalar to create one.
type Pattern struct {
	rows, cols int
	rowOffsets []int // len == rows+1, nondecreasing; rowOffsets[rows] == NonzeroCount().
	colIndices []int // len == NonzeroCount(), strictly increasing within each row.
}

// Make creates a Pattern from explicit column-index and row-offset arrays
// (compressed-row form). It panics if the arrays are inconsistent.
//
// The arrays are copied; the caller keeps ownership of its slices.
func Make(rows, cols int, colIndices, rowOffsets []int) Pattern {
	if rows < 0 || cols < 0 {
		exceptions.Panicf("sparsity.Make: negative dimensions (%d x %d)", rows, cols)
	}
	if len(rowOffsets) != rows+1 {
		exceptions.Panicf("sparsity.Make: rowOffsets has length %d, want rows+1=%d", len(rowOffsets), rows+1)
	}
	if rowOffsets[0] != 0 || rowOffsets[rows] != len(colIndices) {
		exceptions.Panicf("sparsity.Make: rowOffsets must start at 0 and end at len(colIndices)=%d, got [%d, ..., %d]",
			len(colIndices), rowOffsets[0], rowOffsets[rows])
	}
	for r := 0; r < rows; r++ {
		if rowOffsets[r+1] < rowOffsets[r] {
			exceptions.Panicf("sparsity.Make: rowOffsets must be nondecreasing, row %d goes from %d to %d",
				r, rowOffsets[r], rowOffsets[r+1])
		}
		for k := rowOffsets[r]; k < rowOffsets[r+1]; k++ {
			if colIndices[k] < 0 || colIndices[k] >= cols {
				exceptions.Panicf("sparsity.Make: column index %d of nonzero #%d out of range [0, %d)",
					colIndices[k], k, cols)
			}
			if k > rowOffsets[r] && colIndices[k] <= colIndices[k-1] {
				exceptions.Panicf("sparsity.Make: column indices within row %d must be strictly increasing, "+
					"got %d after %d", r, colIndices[k], colIndices[k-1])
			}
		}
	}
	return Pattern{
		rows:       rows,
		cols:       cols,
		rowOffsets: slices.Clone(rowOffsets),
		colIndices: slices.Clone(colIndices),
	}
}

// Dense returns the fully dense rows x cols pattern.
func Dense(rows, cols int) Pattern {
	if rows < 0 || cols < 0 {
		exceptions.Panicf("sparsity.Dense: negative dimensions (%d x %d)", rows, cols)
	}
	p := Pattern{
		rows:       rows,
		cols:       cols,
		rowOffsets: make([]int, rows+1),
		colIndices: make([]int, rows*cols),
	}
	for r := 0; r < rows; r++ {
		p.rowOffsets[r+1] = (r + 1) * cols
		for c := 0; c < cols; c++ {
			p.colIndices[r*cols+c] = c
		}
	}
	return p
}

// Scalar returns the dense 1x1 pattern, the output pattern of every reduction.
func Scalar() Pattern { return Dense(1, 1) }

// FromElements creates a Pattern of the given dimensions whose nonzeros are the given
// linear element indices (row*cols+col). The elements must be sorted and unique.
func FromElements(rows, cols int, elements []int) Pattern {
	rowOffsets := make([]int, rows+1)
	colIndices := make([]int, len(elements))
	prev := -1
	for k, el := range elements {
		if el <= prev || el >= rows*cols {
			exceptions.Panicf("sparsity.FromElements: element #%d (=%d) must be in (%d, %d)", k, el, prev, rows*cols)
		}
		prev = el
		r, c := el/cols, el%cols
		rowOffsets[r+1]++
		colIndices[k] = c
	}
	for r := 0; r < rows; r++ {
		rowOffsets[r+1] += rowOffsets[r]
	}
	return Pattern{rows: rows, cols: cols, rowOffsets: rowOffsets, colIndices: colIndices}
}

// Rows returns the number of rows of the matrix.
func (p Pattern) Rows() int { return p.rows }

// Cols returns the number of columns of the matrix.
func (p Pattern) Cols() int { return p.cols }

// NonzeroCount returns the number of structural nonzeros.
func (p Pattern) NonzeroCount() int { return len(p.colIndices) }

// IsScalar reports whether the pattern is the dense 1x1 pattern.
func (p Pattern) IsScalar() bool { return p.rows == 1 && p.cols == 1 && len(p.colIndices) == 1 }

// IsDense reports whether every position is a structural nonzero.
func (p Pattern) IsDense() bool { return len(p.colIndices) == p.rows*p.cols }

// RowOf returns the row of the k-th nonzero (row-major order).
func (p Pattern) RowOf(k int) int {
	// rowOffsets is nondecreasing: find the row whose half-open offset range contains k.
	return sort.Search(p.rows, func(r int) bool { return p.rowOffsets[r+1] > k })
}

// ColOf returns the column of the k-th nonzero (row-major order).
func (p Pattern) ColOf(k int) int { return p.colIndices[k] }

// Elements returns the linear element index (row*cols + col) of every nonzero,
// in row-major order. The result is freshly allocated.
func (p Pattern) Elements() []int {
	els := make([]int, len(p.colIndices))
	for r := 0; r < p.rows; r++ {
		for k := p.rowOffsets[r]; k < p.rowOffsets[r+1]; k++ {
			els[k] = r*p.cols + p.colIndices[k]
		}
	}
	return els
}

// LinearIndexOf returns the linear nonzero index of position (row, col), or -1 if
// the position is structurally zero.
func (p Pattern) LinearIndexOf(row, col int) int {
	if row < 0 || row >= p.rows || col < 0 || col >= p.cols {
		exceptions.Panicf("sparsity.Pattern.LinearIndexOf: position (%d, %d) out of a %d x %d matrix", row, col, p.rows, p.cols)
	}
	start, end := p.rowOffsets[row], p.rowOffsets[row+1]
	k := start + sort.SearchInts(p.colIndices[start:end], col)
	if k < end && p.colIndices[k] == col {
		return k
	}
	return -1
}

// LookupElements replaces, in place, each linear element index (row*cols+col) in
// elements by the corresponding linear nonzero index in p, or -1 when the element is
// structurally zero. Negative entries are passed through unchanged.
//
// The elements need not be sorted or unique.
func (p Pattern) LookupElements(elements []int) {
	for i, el := range elements {
		if el < 0 {
			continue
		}
		if el >= p.rows*p.cols {
			exceptions.Panicf("sparsity.Pattern.LookupElements: element %d out of a %d x %d matrix", el, p.rows, p.cols)
		}
		elements[i] = p.LinearIndexOf(el/p.cols, el%p.cols)
	}
}

// Union returns the pattern with the nonzeros of both p and o. Both patterns must
// have the same dimensions.
func (p Pattern) Union(o Pattern) Pattern {
	if p.rows != o.rows || p.cols != o.cols {
		exceptions.Panicf("sparsity.Pattern.Union: dimensions mismatch, %d x %d vs %d x %d", p.rows, p.cols, o.rows, o.cols)
	}
	pEls, oEls := p.Elements(), o.Elements()
	merged := make([]int, 0, len(pEls)+len(oEls))
	i, j := 0, 0
	for i < len(pEls) || j < len(oEls) {
		switch {
		case j == len(oEls) || (i < len(pEls) && pEls[i] < oEls[j]):
			merged = append(merged, pEls[i])
			i++
		case i == len(pEls) || oEls[j] < pEls[i]:
			merged = append(merged, oEls[j])
			j++
		default: // Present in both.
			merged = append(merged, pEls[i])
			i, j = i+1, j+1
		}
	}
	return FromElements(p.rows, p.cols, merged)
}

// Equal reports whether p and o describe the same dimensions and the same nonzero set.
func (p Pattern) Equal(o Pattern) bool {
	return p.rows == o.rows && p.cols == o.cols &&
		slices.Equal(p.rowOffsets, o.rowOffsets) && slices.Equal(p.colIndices, o.colIndices)
}

// RowOffsets returns the row-offsets array (length rows+1). The returned slice is
// internal and must not be modified.
func (p Pattern) RowOffsets() []int { return p.rowOffsets }

// ColIndices returns the column index of each nonzero in row-major order. The
// returned slice is internal and must not be modified.
func (p Pattern) ColIndices() []int { return p.colIndices }

// String returns a short description like "3x4 (5 nz)", with the nonzero positions
// listed for small patterns.
func (p Pattern) String() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%dx%d (%d nz)", p.rows, p.cols, len(p.colIndices))
	const maxToPrint = 10
	if nnz := len(p.colIndices); nnz > 0 && nnz <= maxToPrint && !p.IsDense() {
		b.WriteString(": ")
		for r := 0; r < p.rows; r++ {
			for k := p.rowOffsets[r]; k < p.rowOffsets[r+1]; k++ {
				if k > 0 {
					b.WriteString(" ")
				}
				_, _ = fmt.Fprintf(&b, "(%d,%d)", r, p.colIndices[k])
			}
		}
	}
	return b.String()
}
