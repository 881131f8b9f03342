// SPDX-License-Identifier: GPL-3.0-or-later

package desd

import "time"

// Config holds ambient dependencies shared across the supervisor's
// subsystems: the protocol endpoints and the reconciler both take a
// *Config so tests can substitute a fake clock
// and a capturing logger without threading extra parameters through
// every constructor.
//
// Pass this to constructor functions to pre-wire dependencies. All
// fields have sensible defaults set by [NewConfig].
type Config struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] used for structured logging.
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		ErrClassifier: DefaultErrClassifier,
		Logger:        DefaultSLogger(),
		TimeNow:       time.Now,
	}
}
