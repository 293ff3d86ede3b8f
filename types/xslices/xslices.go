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

// Package xslices provides missing functionality to the standard slices package.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Copy creates a new (shallow) copy of T. A shortcut to a call to `make` and then `copy`.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	for i := range slice {
		slice[i] = value
	}
}

// SliceWithValue creates a slice of the given size filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	FillSlice(s, value)
	return s
}

// Slice2DWithValue creates a 2D slice of the given dimensions filled with the given value.
func Slice2DWithValue[T any](value T, dim0, dim1 int) [][]T {
	s := make([][]T, dim0)
	for i := range s {
		s[i] = SliceWithValue(dim1, value)
	}
	return s
}

// Iota returns a slice of incremental int values, starting with start and of the given length.
func Iota[T constraints.Integer | constraints.Float](start T, length int) []T {
	s := make([]T, length)
	for i := range s {
		s[i] = start + T(i)
	}
	return s
}

// Map applies fn to each element of in, returning a new slice with the results.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for i, e := range in {
		out[i] = fn(e)
	}
	return
}

// Max scans the slice and returns the largest value. It panics on empty slices.
func Max[T constraints.Ordered](slice []T) (max T) {
	if len(slice) == 0 {
		panic("xslices.Max of an empty slice")
	}
	max = slice[0]
	for _, v := range slice[1:] {
		if v > max {
			max = v
		}
	}
	return
}
