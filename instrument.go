// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Instrument provides the IEEE-488.2 common commands on top of a Conn.
// SCPI profiles embed one; Oxford profiles do not, since those instruments
// predate the standard.
type Instrument struct {
	conn     Conn
	identity string
}

// NewInstrument wraps conn. The identity is not queried until Identify.
func NewInstrument(conn Conn) *Instrument {
	return &Instrument{conn: conn}
}

// Conn returns the underlying connection.
func (in *Instrument) Conn() Conn { return in.conn }

// Identity returns the last *IDN? reply.
func (in *Instrument) Identity() string { return in.identity }

// Identify queries *IDN? and caches the reply.
func (in *Instrument) Identify() (string, error) {
	s, err := in.conn.Query("*IDN?")
	if err != nil {
		return "", errors.Wrap(err, "identification query")
	}
	in.identity = strings.TrimSpace(s)
	return in.identity, nil
}

// ClearStatus sends *CLS.
func (in *Instrument) ClearStatus() error { return in.conn.Command("*CLS") }

// EventEnable sets the standard event status enable register (*ESE).
func (in *Instrument) EventEnable(mask int) error {
	if err := CheckIntRange("event enable mask", mask, 0, 255); err != nil {
		return err
	}
	return in.conn.Command("*ESE %d", mask)
}

// DisableEvents clears the event enable register.
func (in *Instrument) DisableEvents() error { return in.conn.Command("*ESE 0") }

// EventEnableQuery returns the event enable register.
func (in *Instrument) EventEnableQuery() (int, error) { return in.queryInt("*ESE?") }

// EventStatusRegister reads and clears the standard event status register.
func (in *Instrument) EventStatusRegister() (int, error) { return in.queryInt("*ESR?") }

// OperationComplete sends *OPC.
func (in *Instrument) OperationComplete() error { return in.conn.Command("*OPC") }

// OperationCompleteQuery blocks until pending operations finish.
func (in *Instrument) OperationCompleteQuery() error {
	s, err := in.conn.Query("*OPC?")
	if err != nil {
		return errors.Wrap(err, "operation complete query")
	}
	if strings.TrimSpace(s) != "1" {
		return &NotRespondingError{Command: "*OPC?", Reply: s}
	}
	return nil
}

// Options returns the installed options (*OPT?).
func (in *Instrument) Options() (string, error) { return in.conn.Query("*OPT?") }

// Recall restores the setup saved in register n.
func (in *Instrument) Recall(n int) error {
	if err := CheckIntRange("setup register", n, 0, 9); err != nil {
		return err
	}
	return in.conn.Command("*RCL %d", n)
}

// Reset sends *RST.
func (in *Instrument) Reset() error { return in.conn.Command("*RST") }

// Save stores the current setup in register n.
func (in *Instrument) Save(n int) error {
	if err := CheckIntRange("setup register", n, 0, 9); err != nil {
		return err
	}
	return in.conn.Command("*SAV %d", n)
}

// ServiceRequestEnable sets the service request enable register (*SRE).
func (in *Instrument) ServiceRequestEnable(mask int) error {
	if err := CheckIntRange("service request mask", mask, 0, 255); err != nil {
		return err
	}
	return in.conn.Command("*SRE %d", mask)
}

// ServiceRequestEnableQuery returns the service request enable register.
func (in *Instrument) ServiceRequestEnableQuery() (int, error) { return in.queryInt("*SRE?") }

// StatusByte returns the status byte (*STB?).
func (in *Instrument) StatusByte() (int, error) { return in.queryInt("*STB?") }

// Trigger sends a bus trigger.
func (in *Instrument) Trigger() error { return in.conn.Command("*TRG") }

// SelfTest runs the internal self test and returns its result code; zero
// means passed.
func (in *Instrument) SelfTest() (int, error) { return in.queryInt("*TST?") }

// Wait holds further commands until pending ones finish.
func (in *Instrument) Wait() error { return in.conn.Command("*WAI") }

// Reprocess asks an RS232 instrument to repeat its last reply.
func (in *Instrument) Reprocess() (string, error) { return in.conn.Query("?") }

func (in *Instrument) queryInt(cmd string) (int, error) {
	s, err := in.conn.Query(cmd)
	if err != nil {
		return 0, errors.Wrap(err, cmd)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &NotRespondingError{Command: cmd, Reply: s}
	}
	return n, nil
}
