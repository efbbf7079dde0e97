// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// DefaultPollInterval is the gap between status polls in sweep sequences.
const DefaultPollInterval = time.Second

// CheckRange returns a RangeError unless min <= v <= max.
func CheckRange(quantity string, v, min, max float64) error {
	if math.IsNaN(v) || v < min || v > max {
		return &RangeError{Quantity: quantity, Value: v, Min: min, Max: max}
	}
	return nil
}

// CheckIntRange is CheckRange for integer parameters.
func CheckIntRange(quantity string, v, min, max int) error {
	if v < min || v > max {
		return &RangeError{Quantity: quantity, Value: float64(v), Min: float64(min), Max: float64(max)}
	}
	return nil
}

// FormatG renders v with six significant digits and no trailing zeros, the
// number format Oxford instruments accept.
func FormatG(v float64) string {
	return strconv.FormatFloat(v, 'G', 6, 64)
}

// Quantize parses a formatted command argument back into the value the
// instrument was actually sent. Read-backs are compared against it.
func Quantize(arg string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// Verifier compares a commanded value with the value read back.
// The zero Verifier demands exact equality.
type Verifier struct {
	Tolerance float64
}

// Equal reports whether got confirms want.
func (v Verifier) Equal(want, got float64) bool {
	if v.Tolerance <= 0 {
		return want == got
	}
	return math.Abs(want-got) <= v.Tolerance
}

// Check returns a NotRespondingError when got does not confirm want.
func (v Verifier) Check(cmd string, want, got float64) error {
	if v.Equal(want, got) {
		return nil
	}
	return &NotRespondingError{
		Command: cmd,
		Want:    strconv.FormatFloat(want, 'g', -1, 64),
		Got:     strconv.FormatFloat(got, 'g', -1, 64),
	}
}

// errPending keeps the retry loop going while done reports false.
var errPending = errors.New("condition not met")

// Poll calls done until it reports true, returns an error, ctx ends, or
// timeout elapses. done is called once immediately, then every interval.
// A zero timeout leaves only ctx to bound the wait.
func Poll(ctx context.Context, interval, timeout time.Duration, op string, done func() (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	if timeout > 0 {
		// a flat exponential backoff is the one that carries a deadline
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		eb.MaxInterval = interval
		eb.Multiplier = 1
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = timeout
		b = eb
	}
	err := backoff.Retry(func() error {
		ok, err := done()
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case !ok:
			return errPending
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, errPending) {
		return &TimeoutError{Op: op, After: timeout}
	}
	return err
}

// Sleep waits d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
