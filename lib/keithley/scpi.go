// Package keithley drives the Keithley 2400 source meter, the 6517A
// electrometer and the 2182 nanovoltmeter.
//
// Configuration operations take a plain struct of options, translate the
// enumerated options through fixed mnemonic tables, and send the resulting
// fragments as one semicolon separated buffer. Every buffer is followed by
// *OPC? and a read of the instrument error queue.
//
// Profiles are not safe for concurrent use.
package keithley

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
)

// Mnemonics maps the spellings of an option value to its SCPI mnemonic. The
// lower case, Title Case and UPPER CASE spellings of each name are accepted.
type Mnemonics struct {
	names []string
	table map[string]string
}

// NewMnemonics builds a table from alternating lower case names and
// mnemonics.
func NewMnemonics(pairs ...string) Mnemonics {
	if len(pairs)%2 != 0 {
		panic("keithley: odd mnemonic pair list")
	}
	m := Mnemonics{table: make(map[string]string, len(pairs)/2*3)}
	for i := 0; i < len(pairs); i += 2 {
		name, mnemonic := pairs[i], pairs[i+1]
		m.names = append(m.names, name)
		m.table[name] = mnemonic
		m.table[title(name)] = mnemonic
		m.table[strings.ToUpper(name)] = mnemonic
	}
	return m
}

// Lookup returns the mnemonic for name, or an EnumError naming option.
func (m Mnemonics) Lookup(option, name string) (string, error) {
	if s, ok := m.table[name]; ok {
		return s, nil
	}
	allowed := append([]string(nil), m.names...)
	sort.Strings(allowed)
	return "", &maglab.EnumError{Option: option, Value: name, Allowed: allowed}
}

// title upper-cases the first letter of every word.
func title(s string) string {
	rs := []rune(s)
	for i, r := range rs {
		if i == 0 || !unicode.IsLetter(rs[i-1]) {
			rs[i] = unicode.ToUpper(r)
		}
	}
	return string(rs)
}

// Buffer joins command fragments into one buffer.
type Buffer struct {
	b strings.Builder
}

// Add appends frag, terminating it with ';' if needed.
func (b *Buffer) Add(frag string) *Buffer {
	b.b.WriteString(frag)
	if !strings.HasSuffix(frag, ";") {
		b.b.WriteByte(';')
	}
	return b
}

// Addf formats and appends a fragment.
func (b *Buffer) Addf(format string, a ...any) *Buffer {
	return b.Add(fmt.Sprintf(format, a...))
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int { return b.b.Len() }

func (b *Buffer) String() string { return b.b.String() }

// formatNumber renders v in plain decimal, switching to an exponent only
// for magnitudes below 1e-4 or from 1e16 up.
func formatNumber(v float64) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	if exp := math.Floor(math.Log10(math.Abs(v))); exp < -4 || exp >= 16 {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

type options struct {
	reset bool
	log   *logrus.Entry
}

// Option configures a Keithley profile.
type Option func(*options)

// WithReset selects whether construction resets the instrument to its
// defaults. It is on by default.
func WithReset(on bool) Option { return func(o *options) { o.reset = on } }

// WithLogger sets the log entry profiles report to.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// scpi is the part every Keithley profile shares.
type scpi struct {
	*maglab.Instrument
	conn      maglab.Conn
	model     maglab.Model
	opts      options
	lastErr   string
	installed string
	log       *logrus.Entry
}

func newSCPI(conn maglab.Conn, model maglab.Model, opts []Option) (*scpi, error) {
	o := options{reset: true, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(&o)
	}
	s := &scpi{
		Instrument: maglab.NewInstrument(conn),
		conn:       conn,
		model:      model,
		opts:       o,
		log:        o.log.WithField("model", model.String()),
	}
	id, err := s.Identify()
	if err != nil {
		return nil, err
	}
	if err := maglab.Expect(id, model); err != nil {
		return nil, err
	}
	return s, nil
}

// Model returns the instrument variant.
func (s *scpi) Model() maglab.Model { return s.model }

// LastError returns the last reply of the error queue.
func (s *scpi) LastError() string { return s.lastErr }

// CheckError reads one entry of the error queue. A non-zero code is
// returned as *maglab.InstrumentError.
func (s *scpi) CheckError() error {
	reply, err := query.String(s.conn, ":SYST:ERR?")
	if err != nil {
		return errors.Wrap(err, "error query")
	}
	reply = strings.TrimSpace(reply)
	s.lastErr = reply
	code, msg, ok := strings.Cut(reply, ",")
	if !ok {
		return &maglab.NotRespondingError{Command: ":SYST:ERR?", Reply: reply}
	}
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return &maglab.NotRespondingError{Command: ":SYST:ERR?", Reply: reply}
	}
	if n == 0 {
		return nil
	}
	return &maglab.InstrumentError{Code: n, Message: strings.Trim(strings.TrimSpace(msg), `"`)}
}

// InstalledOptions returns the *OPT? reply read at reset, if any.
func (s *scpi) InstalledOptions() string { return s.installed }

// resetSequence runs the common part of every reset: self test, *RST,
// *CLS and the event and service request enable masks. withOptions reads
// *OPT? after the event status register.
func (s *scpi) resetSequence(ese, sre int, withOptions bool) error {
	if code, err := s.SelfTest(); err != nil {
		return err
	} else if code != 0 {
		return &maglab.InstrumentError{Code: code, Message: "self test failed"}
	}
	if err := s.Reset(); err != nil {
		return err
	}
	if err := s.ClearStatus(); err != nil {
		return err
	}
	if err := s.EventEnable(ese); err != nil {
		return err
	}
	if _, err := s.EventEnableQuery(); err != nil {
		return err
	}
	if _, err := s.EventStatusRegister(); err != nil {
		return err
	}
	if withOptions {
		opt, err := s.Options()
		if err != nil {
			return err
		}
		s.installed = strings.TrimSpace(opt)
	}
	if err := s.ServiceRequestEnable(sre); err != nil {
		return err
	}
	_, err := s.ServiceRequestEnableQuery()
	return err
}

// sync waits for pending operations and checks the error queue.
func (s *scpi) sync() error {
	if err := s.OperationCompleteQuery(); err != nil {
		return err
	}
	return s.CheckError()
}

// commit sends buf in one write, then syncs.
func (s *scpi) commit(buf *Buffer) error {
	if err := s.conn.Command("%s", buf.String()); err != nil {
		return errors.Wrapf(err, "%s", buf)
	}
	return s.sync()
}

// close releases the connection when it can be closed.
func (s *scpi) close(err error) error {
	if closer, ok := s.conn.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	if err != nil {
		s.log.WithError(err).Warn("closed with errors")
	} else {
		s.log.Info("closed")
	}
	return err
}
