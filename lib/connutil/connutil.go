// Package connutil turns command line flags and a config.Bus into an open
// maglab.Controller, and opens resource addresses for a maglab.Directory.
package connutil

import (
	"flag"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/cmdlog"
	"github.com/gotmc/maglab/lib/config"
	"github.com/gotmc/maglab/lib/find"
)

// Port is what an opened serial port must provide.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens a serial port. serial.Open is the default.
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

func openSerial(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

type Conn struct {
	Bus     config.Bus
	GpibPAD int
	GpibSAD int // 0 for none
	Clear   bool
	Trace   bool
	Diag    bool

	Log    *logrus.Logger
	Finder find.Finder
	Open   OpenFunc

	finderr error
}

func (c *Conn) log() *logrus.Logger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// AddFlags is to be called before [flag.Parse]. A nil set means
// flag.CommandLine. Fields already set, for example from a config file,
// become the flag defaults.
func (c *Conn) AddFlags(fs *flag.FlagSet) {
	if fs == nil {
		fs = flag.CommandLine
	}
	if c.Bus.Port == "" {
		filter := find.OxfordFilter
		if c.Bus.Prologix {
			filter = find.PrologixFilter
		}
		var tty string
		tty, c.finderr = c.Finder.Find(filter)
		if c.finderr != nil {
			tty = "ttyUSB0"
		}
		c.Bus.Port = "/dev/" + tty
	}
	if c.Bus.Baud == 0 {
		c.Bus.Baud = 9600
	}
	if c.Bus.StopBits == 0 {
		c.Bus.StopBits = 1
	}
	if c.Bus.ReadTerminator == "" {
		c.Bus.ReadTerminator = "CR"
	}
	if c.Bus.WriteTerminator == "" {
		c.Bus.WriteTerminator = "CR"
	}

	fs.StringVar(&c.Bus.Port, "port", c.Bus.Port, "serial port of the instrument or GPIB adapter")
	fs.IntVar(&c.Bus.Baud, "baud", c.Bus.Baud, "baud rate")
	fs.IntVar(&c.Bus.StopBits, "stopbits", c.Bus.StopBits, "stop bits, 1 or 2")
	fs.BoolVar(&c.Bus.Prologix, "prologix", c.Bus.Prologix, "port is a Prologix GPIB-USB controller")
	fs.BoolVar(&c.Bus.AR488, "ar488", c.Bus.AR488, "adapter is an AR488")
	fs.StringVar(&c.Bus.ReadTerminator, "rterm", c.Bus.ReadTerminator, "reply terminator: NONE, CR, LF, CRLF or LFCR")
	fs.StringVar(&c.Bus.WriteTerminator, "wterm", c.Bus.WriteTerminator, "command terminator")
	fs.DurationVar(&c.Bus.Timeout, "timeout", c.Bus.Timeout, "read timeout, 0 waits forever")
	fs.DurationVar(&c.Bus.WriteDelay, "delay", c.Bus.WriteDelay, "delay between writes")
	fs.BoolVar(&c.Bus.Debug, "debug", c.Bus.Debug, "log raw traffic at debug level")
	fs.IntVar(&c.GpibPAD, "pad", c.GpibPAD, "GPIB primary address for the device")
	fs.IntVar(&c.GpibSAD, "sad", c.GpibSAD, "GPIB secondary address for the device, 0 for none")
	fs.BoolVar(&c.Clear, "clear", c.Clear, "send Selected Device Clear on connect")
	fs.BoolVar(&c.Trace, "trace", c.Trace, "trace commands and replies")
	fs.BoolVar(&c.Diag, "diag", c.Diag, "xdiag and exit")
}

func (c *Conn) mode() *serial.Mode {
	m := &serial.Mode{
		BaudRate: c.Bus.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if c.Bus.StopBits == 2 {
		m.StopBits = serial.TwoStopBits
	}
	return m
}

func (c *Conn) openPort(name string) (Port, error) {
	open := c.Open
	if open == nil {
		open = openSerial
	}
	port, err := open(name, c.mode())
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	if c.Bus.Timeout > 0 {
		if st, ok := port.(interface{ SetReadTimeout(time.Duration) error }); ok {
			if err := st.SetReadTimeout(c.Bus.Timeout); err != nil {
				return nil, multierr.Append(errors.Wrap(err, "setting read timeout"), port.Close())
			}
		}
	}
	return port, nil
}

// Setup is to be called after variables are initialized, i.e. after both
// [(Conn).AddFlags] and [flag.Parse] are called. conn is ctl, or ctl wrapped
// in a tracer when Trace is set. cleanup is ctl.Close, which returns the
// instrument to local control, discards unread input and closes the port.
func (c *Conn) Setup() (ctl *maglab.Controller, conn maglab.Conn, cleanup func() error, err error) {
	nocleanup := func() error { return nil }

	if c.finderr != nil {
		c.log().Warnf("locating serial port failed, guessing %s: %s", c.Bus.Port, c.finderr)
	}
	c.log().Infof("serial port = %s", c.Bus.Port)

	port, err := c.openPort(c.Bus.Port)
	if err != nil {
		return nil, nil, nocleanup, err
	}
	ctl, err = c.controller(port, c.GpibPAD, c.GpibSAD)
	if err != nil {
		return nil, nil, nocleanup, multierr.Append(err, port.Close())
	}

	cleanup = ctl.Close

	if c.Diag {
		if !c.Bus.Prologix {
			return nil, nil, nocleanup, multierr.Append(
				errors.Wrap(maglab.ErrConfiguration, "xdiag needs a GPIB adapter"), cleanup())
		}
		c.log().Info("diag starting...")
		for _, cmd := range []string{"xdiag 1 255", "xdiag 0 255", "xdiag 0 0", "xdiag 1 0"} {
			if err := ctl.CommandController(cmd); err != nil {
				return nil, nil, nocleanup, multierr.Append(err, cleanup())
			}
			time.Sleep(time.Millisecond)
		}
		return nil, nil, nocleanup, cleanup()
	}

	conn = ctl
	if c.Trace {
		conn = cmdlog.Wrap(ctl, c.log())
	}
	return ctl, conn, cleanup, nil
}

func (c *Conn) controller(rw io.ReadWriter, pad, sad int) (*maglab.Controller, error) {
	opts, err := c.Bus.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, maglab.WithLogger(c.log()))
	if !c.Bus.Prologix {
		return maglab.NewDirect(rw, opts...)
	}
	if sad != 0 {
		opts = append(opts, maglab.WithSecondaryAddress(sad))
	}
	return maglab.NewController(rw, pad, c.Clear, opts...)
}

// Opener opens resource addresses: ASRL addresses as direct serial
// instruments, GPIB addresses through the adapter on Bus.Port.
func (c *Conn) Opener() maglab.Opener {
	return maglab.OpenerFunc(func(addr string) (maglab.Conn, io.Closer, error) {
		a, err := maglab.ParseAddress(addr)
		if err != nil {
			return nil, nil, err
		}
		bus := *c
		name := c.Bus.Port
		switch a.Interface {
		case "ASRL":
			bus.Bus.Prologix = false
			name = a.Serial
		case "GPIB":
			bus.Bus.Prologix = true
		}
		port, err := bus.openPort(name)
		if err != nil {
			return nil, nil, err
		}
		sad := 0
		if a.HasSAD {
			sad = a.SAD
		}
		ctl, err := bus.controller(port, a.PAD, sad)
		if err != nil {
			return nil, nil, multierr.Append(err, port.Close())
		}
		var conn maglab.Conn = ctl
		if c.Trace {
			conn = cmdlog.Wrap(ctl, c.log())
		}
		return conn, ctl, nil
	})
}

// Lister lists the USB serial ports that filter accepts, as ASRL
// addresses. A nil filter lists every port the serial driver reports.
func (c *Conn) Lister(filter find.FilterFn) maglab.Lister {
	if filter == nil {
		return maglab.SerialLister{}
	}
	return maglab.ListerFunc(func() ([]string, error) {
		ports, err := c.Finder.Ports(filter)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(ports))
		for _, p := range ports {
			out = append(out, maglab.SerialAddress(p))
		}
		return out, nil
	})
}
