// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds. Every error returned by this module and its libraries matches
// exactly one of these with errors.Is.
var (
	// ErrConfiguration is a value outside its legal range or an unrecognized
	// option spelling. Nothing was sent to the instrument.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotResponding is a rejected or malformed reply, a read-back that
	// disagrees with the requested value, or a timeout.
	ErrNotResponding = errors.New("device not responding")
	// ErrWrongInstrument means the identity reply names another model.
	ErrWrongInstrument = errors.New("wrong instrument")
	// ErrInstrumentReported is a non-zero code from the instrument's own error
	// queue.
	ErrInstrumentReported = errors.New("instrument reported error")
	// ErrUnavailable is an address not present after one directory refresh.
	ErrUnavailable = errors.New("resource unavailable")
	// ErrInternal is a bug in this module, such as a message table gap.
	ErrInternal = errors.New("internal error")
)

// RangeError reports a numeric parameter outside [Min, Max].
type RangeError struct {
	Quantity string
	Value    float64
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %g out of range [%g, %g]", e.Quantity, e.Value, e.Min, e.Max)
}

func (e *RangeError) Is(target error) bool { return target == ErrConfiguration }

// EnumError reports an option spelling missing from a mnemonic table.
type EnumError struct {
	Option  string
	Value   string
	Allowed []string
}

func (e *EnumError) Error() string {
	return fmt.Sprintf("invalid %s %q (want one of %s)", e.Option, e.Value, strings.Join(e.Allowed, ", "))
}

func (e *EnumError) Is(target error) bool { return target == ErrConfiguration }

// NotRespondingError reports a reply that did not confirm a command. Reply is
// set for rejected or malformed replies; Want and Got for read-back mismatches.
type NotRespondingError struct {
	Command string
	Reply   string
	Want    string
	Got     string
}

func (e *NotRespondingError) Error() string {
	if e.Want != "" || e.Got != "" {
		return fmt.Sprintf("%s: read back %s, want %s", e.Command, e.Got, e.Want)
	}
	return fmt.Sprintf("%s: unexpected reply %q", e.Command, e.Reply)
}

func (e *NotRespondingError) Is(target error) bool { return target == ErrNotResponding }

// WrongInstrumentError reports an identity that does not match the profile.
type WrongInstrumentError struct {
	Want     Model
	Identity string
}

func (e *WrongInstrumentError) Error() string {
	return fmt.Sprintf("identity %q is not a %s", e.Identity, e.Want)
}

func (e *WrongInstrumentError) Is(target error) bool { return target == ErrWrongInstrument }

// InstrumentError carries an entry from the instrument error queue.
type InstrumentError struct {
	Code    int
	Message string
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("instrument error %d: %s", e.Code, e.Message)
}

func (e *InstrumentError) Is(target error) bool { return target == ErrInstrumentReported }

// UnavailableError reports an address missing from the directory.
type UnavailableError struct {
	Address string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("resource %s not available", e.Address)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// TimeoutError reports a read or poll that ran out of time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After == 0 {
		return fmt.Sprintf("%s: timed out", e.Op)
	}
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrNotResponding }

// TableError reports a decoded field with no phrase in its message table.
type TableError struct {
	Model Model
	Key   string
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s message table has no entry for %q", e.Model, e.Key)
}

func (e *TableError) Is(target error) bool { return target == ErrInternal }

// Rejected reports whether an Oxford-style reply carries the rejection
// marker.
func Rejected(reply string) bool {
	return strings.Contains(reply, "?")
}

var kindNames = []struct {
	err  error
	name string
}{
	{ErrConfiguration, "configuration"},
	{ErrNotResponding, "not_responding"},
	{ErrWrongInstrument, "wrong_instrument"},
	{ErrInstrumentReported, "instrument_reported"},
	{ErrUnavailable, "unavailable"},
	{ErrInternal, "internal"},
}

// Kind returns a short label for the kind err matches, "transport" for an
// error from the port itself, or "" for nil. Used as a metrics label.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "transport"
}
