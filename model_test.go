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
)

func TestIdentify(t *testing.T) {
	tests := []struct {
		reply string
		want  maglab.Model
	}{
		{"IPS120-10  Version 3.07  (c) OXFORD 1996", maglab.ModelIPS},
		{"ILM200  Version 1.08  (c) OXFORD 1994", maglab.ModelILM},
		{"ITC503  Version 1.1  (c) OXFORD 1997", maglab.ModelITC},
		{"KEITHLEY INSTRUMENTS INC.,MODEL 2400,1234567,C30", maglab.ModelKeithley2400},
		{"KEITHLEY INSTRUMENTS INC.,MODEL 6517A,1234567,A13", maglab.ModelKeithley6517A},
		{"KEITHLEY INSTRUMENTS INC.,MODEL 2182,1234567,C02", maglab.ModelKeithley2182},
		{"LSCI,MODEL340,340123,061407", maglab.ModelLakeshore340},
		{"HEWLETT-PACKARD,34401A,0,11-5-2", maglab.ModelUnknown},
		{"", maglab.ModelUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.want.String(), func(t *testing.T) {
			is := is.New(t)
			is.Equal(maglab.Identify(tc.reply), tc.want)
		})
	}
}

func TestExpect(t *testing.T) {
	is := is.New(t)
	is.NoErr(maglab.Expect("ILM200  Version 1.08", maglab.ModelILM))
	err := maglab.Expect(" ITC503  Version 1.1\r", maglab.ModelIPS)
	is.True(errors.Is(err, maglab.ErrWrongInstrument))
	var we *maglab.WrongInstrumentError
	is.True(errors.As(err, &we))
	is.Equal(we.Identity, "ITC503  Version 1.1")
}

func TestParseModel(t *testing.T) {
	is := is.New(t)
	is.Equal(maglab.ParseModel("IPS"), maglab.ModelIPS)
	is.Equal(maglab.ParseModel(" k2400"), maglab.ModelKeithley2400)
	is.Equal(maglab.ParseModel("6517A"), maglab.ModelKeithley6517A)
	is.Equal(maglab.ParseModel("ls340"), maglab.ModelLakeshore340)
	is.Equal(maglab.ParseModel("sr830"), maglab.ModelUnknown)
	is.True(maglab.ModelITC.Oxford())
	is.True(!maglab.ModelKeithley2182.Oxford())
	is.Equal(maglab.Model(99).String(), "unknown instrument")
}
