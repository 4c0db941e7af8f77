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

// MakePanicError turns a value obtained from recover() into an error and logs it with the current stack.
// It returns nil if there was no panic.
func MakePanicError(panicVal any, log logr.Logger) error {
	var panicErr error
	switch v := panicVal.(type) {
	case nil:
		return nil
	case error:
		panicErr = fmt.Errorf("panic: %w", v)
	default:
		panicErr = fmt.Errorf("panic: %v", v)
	}

	log.Error(panicErr, "perldbg stopped because of a panic", "Stack", string(debug.Stack()))
	return panicErr
}
