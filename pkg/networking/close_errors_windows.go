//go:build windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package networking

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedConnCloseErr is used to suppress reporting of errors that are expected when a connection is closed.
func IsExpectedConnCloseErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.WSAECONNRESET) ||
		errors.Is(err, syscall.WSAECONNABORTED)
}
