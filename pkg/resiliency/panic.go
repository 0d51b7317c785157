/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"fmt"
	"runtime/debug"

	"github.com/go-logr/logr"
)

// MakePanicError converts a recovered panic value into an error, logging the
// panic together with its call stack. Returns nil for a nil panic value so it
// can be called unconditionally from a recover block. The result is marked
// permanent so retry loops never re-run a goroutine that panicked.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr, isError := panicVal.(error)
	if !isError {
		panicErr = fmt.Errorf("panic: %v", panicVal)
	}
	panicErr = Permanent(panicErr)

	log.Error(panicErr, "A goroutine ended prematurely due to panic", "stack", string(debug.Stack()))

	return panicErr
}
