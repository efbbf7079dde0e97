// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab_test

import (
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/sim"
)

func TestInstrumentCommon(t *testing.T) {
	is := is.New(t)
	s := sim.New("\n")
	s.Reply("*IDN?", " KEITHLEY INSTRUMENTS INC.,MODEL 2182,1,C02 ")
	s.Reply("*OPC?", "1")
	s.Reply("*ESR?", "32")
	s.Reply("*TST?", "0")
	in := maglab.NewInstrument(s)

	id, err := in.Identify()
	is.NoErr(err)
	is.Equal(id, "KEITHLEY INSTRUMENTS INC.,MODEL 2182,1,C02")
	is.Equal(in.Identity(), id)

	is.NoErr(in.OperationCompleteQuery())
	esr, err := in.EventStatusRegister()
	is.NoErr(err)
	is.Equal(esr, 32)
	tst, err := in.SelfTest()
	is.NoErr(err)
	is.Equal(tst, 0)

	is.NoErr(in.Reset())
	is.NoErr(in.ClearStatus())
	is.NoErr(in.EventEnable(255))
	is.NoErr(in.Save(3))
	is.Equal(s.Log()[4:], []string{"*RST", "*CLS", "*ESE 255", "*SAV 3"})
}

func TestInstrumentRanges(t *testing.T) {
	is := is.New(t)
	s := sim.New("\n")
	in := maglab.NewInstrument(s)
	is.True(errors.Is(in.EventEnable(256), maglab.ErrConfiguration))
	is.True(errors.Is(in.ServiceRequestEnable(-1), maglab.ErrConfiguration))
	is.True(errors.Is(in.Recall(10), maglab.ErrConfiguration))
	is.Equal(len(s.Log()), 0) // nothing sent
}

func TestInstrumentBadReplies(t *testing.T) {
	is := is.New(t)
	s := sim.New("\n")
	s.Reply("*OPC?", "0")
	s.Reply("*STB?", "x")
	in := maglab.NewInstrument(s)
	is.True(errors.Is(in.OperationCompleteQuery(), maglab.ErrNotResponding))
	_, err := in.StatusByte()
	is.True(errors.Is(err, maglab.ErrNotResponding))
	boom := errors.New("port gone")
	s.FailOn("*IDN?", boom)
	_, err = in.Identify()
	is.True(errors.Is(err, boom))
}
