// SPDX-License-Identifier: GPL-3.0-or-later

package action

import "errors"

var (
	errInvalidSpec   = errors.New("action: internal method given a missing or invalid argument")
	errUnknownMethod = errors.New("action: unknown internal method")
)
