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
)

// The graph core has no recovery or retry: fatal conditions are thrown
// synchronously, as panics carrying the error values below, and abort the
// current pass. Exec catches them (see github.com/gomlx/exceptions) and
// reports them as wrapped errors.
//
// NaN is deliberately not in this taxonomy: derivatives that are mathematically
// undefined at a point (e.g. the 1-norm at an exact zero) propagate NaN as a
// legitimate value, never as an error.

// UnsupportedOperationError is thrown when an operation is asked for a capability
// it does not implement, e.g. adjoint sensitivities of the infinity-norm.
type UnsupportedOperationError struct {
	Message string
}

func (e UnsupportedOperationError) Error() string {
	return "unsupported operation: " + e.Message
}

// DimensionError is thrown on buffer-size or index-range violations of the
// caller contract: seed/sensitivity buffers disagreeing with the declared
// patterns, or a selection mapping referencing a nonzero beyond its input.
type DimensionError struct {
	Message string
}

func (e DimensionError) Error() string {
	return "dimension mismatch: " + e.Message
}

func panicUnsupported(format string, args ...any) {
	panic(UnsupportedOperationError{Message: fmt.Sprintf(format, args...)})
}

func panicDimension(format string, args ...any) {
	panic(DimensionError{Message: fmt.Sprintf(format, args...)})
}
