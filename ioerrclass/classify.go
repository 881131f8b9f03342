// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package ioerrclass classifies socket errors into short labels suitable
// for structured logging, without leaking raw OS error strings (which may
// embed file paths or other environment-specific detail) to log consumers
// or, worse, to protocol peers.
package ioerrclass

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// Exported labels. These are a closed set: [Classify] never returns a
// string outside this list (except "" for a nil or unrecognized error).
const (
	EADDRNOTAVAIL   = "EADDRNOTAVAIL"
	EADDRINUSE      = "EADDRINUSE"
	ECONNABORTED    = "ECONNABORTED"
	ECONNREFUSED    = "ECONNREFUSED"
	ECONNRESET      = "ECONNRESET"
	EEOF            = "EOF"
	EHOSTUNREACH    = "EHOSTUNREACH"
	EINVAL          = "EINVAL"
	EINTR           = "EINTR"
	ENETDOWN        = "ENETDOWN"
	ENETUNREACH     = "ENETUNREACH"
	ENOBUFS         = "ENOBUFS"
	ENOTCONN        = "ENOTCONN"
	EPIPE           = "EPIPE"
	EPROTONOSUPPORT = "EPROTONOSUPPORT"
	ETIMEDOUT       = "ETIMEDOUT"
	ECANCELED       = "ECANCELED"
)

// Classify maps err to a short label for structured logging. It returns
// "" for a nil error and for errors it does not recognize.
//
// Classify is total: it never panics, regardless of the error's dynamic
// type or whether it wraps a recognized syscall errno.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, io.EOF):
		return EEOF
	case errors.Is(err, net.ErrClosed):
		return ECONNABORTED
	case errors.Is(err, errEADDRNOTAVAIL):
		return EADDRNOTAVAIL
	case errors.Is(err, errEADDRINUSE):
		return EADDRINUSE
	case errors.Is(err, errECONNABORTED):
		return ECONNABORTED
	case errors.Is(err, errECONNREFUSED):
		return ECONNREFUSED
	case errors.Is(err, errECONNRESET):
		return ECONNRESET
	case errors.Is(err, errEHOSTUNREACH):
		return EHOSTUNREACH
	case errors.Is(err, errEINVAL):
		return EINVAL
	case errors.Is(err, errEINTR):
		return EINTR
	case errors.Is(err, errENETDOWN):
		return ENETDOWN
	case errors.Is(err, errENETUNREACH):
		return ENETUNREACH
	case errors.Is(err, errENOBUFS):
		return ENOBUFS
	case errors.Is(err, errENOTCONN):
		return ENOTCONN
	case errors.Is(err, errEPIPE):
		return EPIPE
	case errors.Is(err, errEPROTONOSUPPORT):
		return EPROTONOSUPPORT
	case errors.Is(err, errETIMEDOUT):
		return ETIMEDOUT
	default:
		return ""
	}
}
