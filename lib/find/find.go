// Package find locates USB serial adapters through Linux sysfs: the Prologix
// GPIB-USB controller, the Arduino-based AR488, and the USB-serial bridges
// in front of RS232 instruments.
package find

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// USB vendor ids of common USB-serial bridges.
const (
	VendorFTDI     = "0403"
	VendorProlific = "067b"
	VendorWCH      = "1a86"
	VendorSiLabs   = "10c4"
)

type FilterFn func(*Usbtty) bool

// PrologixFilter matches the Prologix GPIB-USB controller, an FTDI part
// with its own product string.
func PrologixFilter(ut *Usbtty) bool {
	return ut.IDv == VendorFTDI &&
		(strings.Contains(ut.Prod, "Prologix") || strings.Contains(ut.Mfg, "Prologix"))
}

// AR488Filter matches the Arduino boards the AR488 firmware runs on.
func AR488Filter(ut *Usbtty) bool {
	return strings.Contains(ut.Mfg, "Arduino")
}

// OxfordFilter matches a plain USB-serial bridge, which is how the RS232
// port of an Oxford instrument reaches the host. Prologix adapters are
// excluded even though they are FTDI parts.
func OxfordFilter(ut *Usbtty) bool {
	if PrologixFilter(ut) {
		return false
	}
	switch ut.IDv {
	case VendorFTDI, VendorProlific, VendorWCH, VendorSiLabs:
		return true
	}
	return false
}

func SerialFilter(s string) FilterFn {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

// DefaultRoot is where sysfs is mounted.
const DefaultRoot = "/sys"

// Finder enumerates ttys under a sysfs tree.
type Finder struct {
	Root string // sysfs mount point; DefaultRoot when empty
	Log  logrus.FieldLogger
}

func (f Finder) root() string {
	if f.Root == "" {
		return DefaultRoot
	}
	return f.Root
}

func (f Finder) log() logrus.FieldLogger {
	if f.Log == nil {
		return logrus.StandardLogger()
	}
	return f.Log
}

// Find searches the default sysfs for a usb serial device.
func Find(filter FilterFn) (string, error) {
	return Finder{}.Find(filter)
}

// Find searches for a usb serial device. If filter is not nil,
// it is used to narrow choices down. The first device for which
// it returns true (if any) is chosen.
func (f Finder) Find(filter FilterFn) (string, error) {
	ttys, err := f.AllUsbTtys()
	if err != nil {
		return "", err
	}
	if filter != nil {
		var match Usbttys
		for i := range ttys {
			if filter(&ttys[i]) {
				match = Usbttys{ttys[i]}
				break
			}
		}
		ttys = match
	}

	if len(ttys) == 0 {
		return "", fmt.Errorf("no matching ttys found")
	}
	if len(ttys) == 1 {
		return ttys[0].Dev, nil
	}
	return "", fmt.Errorf("multiple ttys:\n%s", ttys)
}

// Ports returns the device paths (/dev/<name>) of every tty filter accepts.
func (f Finder) Ports(filter FilterFn) ([]string, error) {
	ttys, err := f.AllUsbTtys()
	if err != nil {
		return nil, err
	}
	var out []string
	for i := range ttys {
		if filter == nil || filter(&ttys[i]) {
			out = append(out, "/dev/"+ttys[i].Dev)
		}
	}
	return out, nil
}

type Usbtty struct {
	Dev, Path string
	IDp, IDv  string
	Mfg, Prod string
	Serial    string
}

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s path %s pid/vid %s/%s mfg/prod %s/%s serial %s", u.Dev, u.Path, u.IDp, u.IDv, u.Mfg, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

// AllUsbTtys finds ttys on usb devices by looking at class/tty and the
// device directories its entries link to.
func (f Finder) AllUsbTtys() (Usbttys, error) {
	var devs []Usbtty
	root, err := filepath.EvalSymlinks(f.root())
	if err != nil {
		return nil, err
	}
	sct := filepath.Join(root, "class", "tty")
	entries, err := os.ReadDir(sct)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			// just in case there's anything in the dir that isn't a symlink
			continue
		}
		// we have a symlink like
		// /sys/class/tty/ttyACM0 ->
		// /sys/devices/pci0000:00/0000:00:01.3/0000:02:00.0/usb1/1-10/1-10:1.0/tty/ttyACM0
		path := filepath.Join(sct, e.Name())
		abs, err := filepath.EvalSymlinks(path)
		if err != nil {
			f.log().Warnf("error evaluating symlink %s; skipping: %s", path, err)
			continue
		}
		if !strings.Contains(abs, "usb") {
			continue
		}
		dev, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
		if err != nil {
			f.log().Warnf("usb but lacking device subdir?! %s %s", abs, err)
			continue
		}
		// cdc-acm: device is the interface dir 1-10:1.0, the usb device
		// is its parent. ftdi_sio and friends add a ttyUSB<n> level.
		usb := usbDevice(dev, root)
		idP, idV, mfg, prod, serial, err := readUsbInfo(usb)
		if err != nil {
			f.log().Warnf("%s: %s", abs, err)
		}
		devs = append(devs, Usbtty{
			Dev:    e.Name(),
			Path:   abs,
			IDp:    idP,
			IDv:    idV,
			Mfg:    mfg,
			Prod:   prod,
			Serial: serial,
		})
	}
	return devs, nil
}

// usbDevice walks up from dir to the first directory with an idVendor file,
// not leaving root. Without one it falls back to the parent of dir.
func usbDevice(dir, root string) string {
	root = filepath.Clean(root)
	for d := dir; strings.HasPrefix(d, root) && d != root; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, "idVendor")); err == nil {
			return d
		}
	}
	return filepath.Dir(dir)
}

// reads prod and vendor ids, and mfg/product/serial strings
//
// returns last error encountered, ignoring os.ErrNotExist.
// errors do not prevent reading additional files or returning data collected.
func readUsbInfo(dev string) (idp, idv, mfg, prod, serial string, err error) {
	read := func(name string) string {
		b, rerr := os.ReadFile(filepath.Join(dev, name))
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
		return strings.TrimSpace(string(b))
	}
	idp = read("idProduct")
	idv = read("idVendor")
	mfg = read("manufacturer")
	prod = read("product")
	serial = read("serial")
	return idp, idv, mfg, prod, serial, err
}
