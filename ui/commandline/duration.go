// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"time"
)

// FormatDuration pretty prints duration without a long list of decimal points: it keeps 3 significant digits.
func FormatDuration(d time.Duration) string {
	var unit time.Duration
	switch abs := max(d, -d); {
	case abs >= 100*time.Second:
		unit = time.Second
	case abs >= 10*time.Second:
		unit = 100 * time.Millisecond
	case abs >= time.Second:
		unit = 10 * time.Millisecond
	case abs >= 100*time.Millisecond:
		unit = time.Millisecond
	case abs >= 10*time.Millisecond:
		unit = 100 * time.Microsecond
	case abs >= time.Millisecond:
		unit = 10 * time.Microsecond
	case abs >= 100*time.Microsecond:
		unit = time.Microsecond
	case abs >= 10*time.Microsecond:
		unit = 100 * time.Nanosecond
	case abs >= time.Microsecond:
		unit = 10 * time.Nanosecond
	default:
		unit = time.Nanosecond
	}
	return d.Round(unit).String()
}
