// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Lister enumerates reachable resource addresses.
type Lister interface {
	List() ([]string, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func() ([]string, error)

// List calls f.
func (f ListerFunc) List() ([]string, error) { return f() }

// Opener opens a transport handle for an address. The returned closer
// releases it.
type Opener interface {
	Open(addr string) (Conn, io.Closer, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(addr string) (Conn, io.Closer, error)

// Open calls f.
func (f OpenerFunc) Open(addr string) (Conn, io.Closer, error) { return f(addr) }

// Directory is the resource directory: it caches the reachable addresses and
// opens handles for them.
type Directory struct {
	mu        sync.Mutex
	lister    Lister
	opener    Opener
	resources []string
	log       *logrus.Logger
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithDirectoryLogger replaces the standard logrus logger.
func WithDirectoryLogger(l *logrus.Logger) DirectoryOption {
	return func(d *Directory) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDirectory builds a directory and performs the first enumeration.
func NewDirectory(lister Lister, opener Opener, opts ...DirectoryOption) (*Directory, error) {
	d := &Directory{lister: lister, opener: opener, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	if d.Empty() {
		d.log.Warn("resource directory is empty")
	}
	return d, nil
}

// Resources returns a copy of the cached addresses.
func (d *Directory) Resources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.resources...)
}

// Empty reports whether no resources were found.
func (d *Directory) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resources) == 0
}

// Refresh re-runs the enumeration.
func (d *Directory) Refresh() error {
	list, err := d.lister.List()
	if err != nil {
		return errors.Wrap(err, "listing resources")
	}
	d.mu.Lock()
	d.resources = list
	d.mu.Unlock()
	d.log.Debugf("resources: %s", strings.Join(list, ", "))
	return nil
}

// Open opens addr. An address missing from the cache triggers exactly one
// refresh; if it is still missing the result is an UnavailableError.
func (d *Directory) Open(addr string) (Conn, io.Closer, error) {
	if !d.has(addr) {
		if err := d.Refresh(); err != nil {
			return nil, nil, err
		}
		if !d.has(addr) {
			return nil, nil, &UnavailableError{Address: addr}
		}
	}
	conn, closer, err := d.opener.Open(addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", addr)
	}
	return conn, closer, nil
}

func (d *Directory) has(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.resources {
		if r == addr {
			return true
		}
	}
	return false
}

// Address is a parsed resource address, either ASRL<port>::INSTR for a
// serial instrument or GPIB<board>::<pad>[::<sad>]::INSTR for one behind a
// GPIB adapter.
type Address struct {
	Serial    string
	Board     int
	PAD       int
	SAD       int
	HasSAD    bool
	Interface string // "ASRL" or "GPIB"
}

func (a Address) String() string {
	if a.Interface == "ASRL" {
		return fmt.Sprintf("ASRL%s::INSTR", a.Serial)
	}
	if a.HasSAD {
		return fmt.Sprintf("GPIB%d::%d::%d::INSTR", a.Board, a.PAD, a.SAD)
	}
	return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.PAD)
}

// SerialAddress returns the address of a serial port.
func SerialAddress(port string) string { return Address{Interface: "ASRL", Serial: port}.String() }

// GPIBAddress returns the address of a GPIB device on board 0.
func GPIBAddress(pad int) string { return Address{Interface: "GPIB", PAD: pad}.String() }

// ParseAddress decodes an ASRL or GPIB resource address.
func ParseAddress(s string) (Address, error) {
	bad := &EnumError{Option: "resource address", Value: s, Allowed: []string{"ASRL<port>::INSTR", "GPIB<n>::<pad>[::<sad>]::INSTR"}}
	parts := strings.Split(strings.TrimSpace(s), "::")
	if len(parts) < 2 || !strings.EqualFold(parts[len(parts)-1], "INSTR") {
		return Address{}, bad
	}
	head := parts[0]
	switch {
	case strings.HasPrefix(strings.ToUpper(head), "ASRL"):
		if len(parts) != 2 || len(head) == 4 {
			return Address{}, bad
		}
		return Address{Interface: "ASRL", Serial: head[4:]}, nil
	case strings.HasPrefix(strings.ToUpper(head), "GPIB"):
		a := Address{Interface: "GPIB"}
		if len(head) > 4 {
			b, err := strconv.Atoi(head[4:])
			if err != nil {
				return Address{}, bad
			}
			a.Board = b
		}
		if len(parts) != 3 && len(parts) != 4 {
			return Address{}, bad
		}
		pad, err := strconv.Atoi(parts[1])
		if err != nil || !isPrimaryAddressValid(pad) {
			return Address{}, bad
		}
		a.PAD = pad
		if len(parts) == 4 {
			sad, err := strconv.Atoi(parts[2])
			if err != nil || !isSecondaryAddressValid(sad) {
				return Address{}, bad
			}
			a.SAD, a.HasSAD = sad, true
		}
		return a, nil
	}
	return Address{}, bad
}

// SerialLister lists the serial ports of this host as ASRL addresses.
// Filter, when set, keeps only the ports it accepts.
type SerialLister struct {
	Filter func(port string) bool
}

// List implements Lister.
func (l SerialLister) List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating serial ports")
	}
	var out []string
	for _, p := range ports {
		if l.Filter != nil && !l.Filter(p) {
			continue
		}
		out = append(out, SerialAddress(p))
	}
	return out, nil
}

// GPIBLister lists GPIB devices behind a Prologix adapter. With Probe unset
// it returns the configured addresses unchanged; with Probe set it keeps only
// those that answer a serial poll.
type GPIBLister struct {
	Controller *Controller
	PADs       []int
	Probe      bool
}

// List implements Lister.
func (l GPIBLister) List() ([]string, error) {
	var out []string
	for _, pad := range l.PADs {
		if l.Probe {
			if l.Controller == nil {
				return nil, errors.Wrap(ErrConfiguration, "GPIB probe without a controller")
			}
			if _, err := l.Controller.SerialPoll(pad); err != nil {
				continue
			}
		}
		out = append(out, GPIBAddress(pad))
	}
	return out, nil
}
