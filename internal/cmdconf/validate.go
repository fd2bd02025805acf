// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmdconf

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Validator collects every configuration problem instead of stopping at the first one.
type Validator struct {
	errs *multierror.Error
}

// Errorf records a problem with the given field.
func (v *Validator) Errorf(field, format string, args ...any) {
	v.errs = multierror.Append(v.errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
}

// Port checks for a usable UDP port. Zero is allowed only if ephemeral is set.
func (v *Validator) Port(field string, port int, ephemeral bool) {
	switch {
	case port == 0 && ephemeral:
	case port <= 0 || port > 65535:
		v.Errorf(field, "port %d out of range", port)
	}
}

// NonEmpty checks that value was set.
func (v *Validator) NonEmpty(field, value string) {
	if value == "" {
		v.Errorf(field, "must not be empty")
	}
}

// Duration parses a non-negative duration such as "30s". An empty string yields zero.
func (v *Validator) Duration(field, value string) time.Duration {
	if value == "" {
		return 0
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		v.Errorf(field, "%v", err)
		return 0
	}
	if d < 0 {
		v.Errorf(field, "duration %v is negative", d)
		return 0
	}
	return d
}

// NonNegative checks a size or count.
func (v *Validator) NonNegative(field string, value int) {
	if value < 0 {
		v.Errorf(field, "value %d is negative", value)
	}
}

// Err returns all recorded problems or nil.
func (v *Validator) Err() error {
	return v.errs.ErrorOrNil()
}
