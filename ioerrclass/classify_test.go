// SPDX-License-Identifier: GPL-3.0-or-later

package ioerrclass

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"eof", io.EOF, EEOF},
		{"canceled", context.Canceled, ECANCELED},
		{"deadline exceeded", context.DeadlineExceeded, ETIMEDOUT},
		{"closed", net.ErrClosed, ECONNABORTED},
		{"wrapped eof", &net.OpError{Err: io.EOF}, EEOF},
		{"unrecognized", errors.New("something else"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		Classify(errors.New("x"))
		Classify(nil)
	})
}
