// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab_test

import (
	"errors"
	"io"
	"testing"

	"github.com/matryer/is"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/sim"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// listings returns a lister that yields each list in turn, repeating the
// last one, and counts its calls.
func listings(calls *int, lists ...[]string) maglab.Lister {
	return maglab.ListerFunc(func() ([]string, error) {
		i := *calls
		*calls++
		if i >= len(lists) {
			i = len(lists) - 1
		}
		return lists[i], nil
	})
}

func simOpener(opened *[]string) maglab.Opener {
	return maglab.OpenerFunc(func(addr string) (maglab.Conn, io.Closer, error) {
		*opened = append(*opened, addr)
		return sim.New("\r"), nopCloser{}, nil
	})
}

func TestDirectoryOpen(t *testing.T) {
	is := is.New(t)
	var calls int
	var opened []string
	ilm := maglab.SerialAddress("/dev/ttyUSB1")
	dir, err := maglab.NewDirectory(listings(&calls, []string{ilm}), simOpener(&opened))
	is.NoErr(err)
	is.Equal(dir.Resources(), []string{"ASRL/dev/ttyUSB1::INSTR"})
	is.True(!dir.Empty())

	conn, closer, err := dir.Open(ilm)
	is.NoErr(err)
	is.True(conn != nil)
	is.NoErr(closer.Close())
	is.Equal(calls, 1) // cached address, no refresh
	is.Equal(opened, []string{ilm})
}

func TestDirectoryRefreshOnce(t *testing.T) {
	is := is.New(t)
	var calls int
	var opened []string
	k2400 := maglab.GPIBAddress(24)
	dir, err := maglab.NewDirectory(listings(&calls, nil, []string{k2400}), simOpener(&opened))
	is.NoErr(err)
	is.True(dir.Empty())

	_, _, err = dir.Open(k2400)
	is.NoErr(err)
	is.Equal(calls, 2)

	_, _, err = dir.Open(maglab.GPIBAddress(5))
	is.True(errors.Is(err, maglab.ErrUnavailable))
	is.Equal(calls, 3) // exactly one more enumeration
	is.Equal(opened, []string{k2400})
}

func TestDirectoryErrors(t *testing.T) {
	is := is.New(t)
	boom := errors.New("no ports")
	_, err := maglab.NewDirectory(maglab.ListerFunc(func() ([]string, error) { return nil, boom }), nil)
	is.True(errors.Is(err, boom))

	var calls int
	failing := maglab.OpenerFunc(func(string) (maglab.Conn, io.Closer, error) { return nil, nil, boom })
	dir, err := maglab.NewDirectory(listings(&calls, []string{"ASRL1::INSTR"}), failing)
	is.NoErr(err)
	_, _, err = dir.Open("ASRL1::INSTR")
	is.True(errors.Is(err, boom))
}

func TestDirectoryEmptyWarns(t *testing.T) {
	is := is.New(t)
	log, hook := test.NewNullLogger()
	var calls int
	_, err := maglab.NewDirectory(listings(&calls, nil), nil, maglab.WithDirectoryLogger(log))
	is.NoErr(err)
	is.Equal(hook.LastEntry().Level, logrus.WarnLevel)
	is.Equal(hook.LastEntry().Message, "resource directory is empty")
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want maglab.Address
	}{
		{"ASRL/dev/ttyUSB0::INSTR", maglab.Address{Interface: "ASRL", Serial: "/dev/ttyUSB0"}},
		{"ASRL3::INSTR", maglab.Address{Interface: "ASRL", Serial: "3"}},
		{"GPIB0::24::INSTR", maglab.Address{Interface: "GPIB", PAD: 24}},
		{"GPIB1::5::96::INSTR", maglab.Address{Interface: "GPIB", Board: 1, PAD: 5, SAD: 96, HasSAD: true}},
		{"GPIB::12::INSTR", maglab.Address{Interface: "GPIB", PAD: 12}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			is := is.New(t)
			a, err := maglab.ParseAddress(tc.in)
			is.NoErr(err)
			is.Equal(a, tc.want)
		})
	}

	for _, bad := range []string{"", "ASRL::INSTR", "GPIB0::31::INSTR", "GPIB0::5::95::INSTR", "TCPIP0::host::INSTR", "GPIB0::5"} {
		t.Run("bad "+bad, func(t *testing.T) {
			is := is.New(t)
			_, err := maglab.ParseAddress(bad)
			is.True(errors.Is(err, maglab.ErrConfiguration))
		})
	}
}

func TestAddressString(t *testing.T) {
	is := is.New(t)
	a, err := maglab.ParseAddress("GPIB0::5::96::INSTR")
	is.NoErr(err)
	is.Equal(a.String(), "GPIB0::5::96::INSTR")
	is.Equal(maglab.SerialAddress("COM3"), "ASRLCOM3::INSTR")
}

func TestGPIBLister(t *testing.T) {
	is := is.New(t)
	list, err := maglab.GPIBLister{PADs: []int{5, 24}}.List()
	is.NoErr(err)
	is.Equal(list, []string{"GPIB0::5::INSTR", "GPIB0::24::INSTR"})

	_, err = maglab.GPIBLister{PADs: []int{5}, Probe: true}.List()
	is.True(errors.Is(err, maglab.ErrConfiguration))

	s := sim.New("\r")
	s.Reply("++spoll 24", "0")
	ctl, err := maglab.NewController(s, 24, false)
	is.NoErr(err)
	list, err = maglab.GPIBLister{Controller: ctl, PADs: []int{5, 24}, Probe: true}.List()
	is.NoErr(err)
	is.Equal(list, []string{"GPIB0::24::INSTR"})
}
