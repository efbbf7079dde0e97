// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Conn is the request/response surface every instrument profile is built on.
// Controller implements it, as do the decorators in lib/cmdlog and
// lib/metrics and the simulated instrument in lib/sim.
type Conn interface {
	// Command formats and sends a command that produces no reply.
	Command(format string, a ...any) error
	// Query sends cmd and returns the reply with its terminator removed.
	Query(cmd string) (string, error)
}

// BlockQuerier is implemented by conns that can read binary block replies
// without splitting them at terminator bytes.
type BlockQuerier interface {
	QueryBlock(cmd string) ([]byte, error)
}

// QueryBlock reads a binary reply through conn's QueryBlock, or through Query
// when conn has none.
func QueryBlock(conn Conn, cmd string) ([]byte, error) {
	if bq, ok := conn.(BlockQuerier); ok {
		return bq.QueryBlock(cmd)
	}
	s, err := conn.Query(cmd)
	return []byte(s), err
}

// Terminated is implemented by conns that know their line terminators.
type Terminated interface {
	Terminators() (read, write Terminator)
}

// TerminatorSetter is implemented by conns whose reply terminator can be
// switched at run time.
type TerminatorSetter interface {
	SetReadTerminator(t Terminator)
}

// Controller is a transport handle to one instrument. It talks either to a
// Prologix (or AR488) GPIB-USB adapter, which relays to the instrument at a
// GPIB address, or directly to an RS232 instrument. Every round trip holds
// the handle mutex, so a Controller may be shared, but the profiles built on
// it are not safe for concurrent use.
type Controller struct {
	mu               sync.Mutex
	rw               io.ReadWriter
	prologix         bool
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	auto             bool
	usbTerm          byte
	eotChar          byte
	readTerm         Terminator
	writeTerm        Terminator
	timeout          time.Duration
	writeDelay       time.Duration
	lastWrite        time.Time
	pending          []byte
	closed           bool
	debug            bool // if true, log commands and replies. Set via WithDebug().
	ar488            bool // compatibility with Arduino AR488 - see WithAR488 documentation for details.
	log              *logrus.Logger
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController creates a GPIB controller-in-charge at the given address using
// the given Prologix driver, which can either be a Virtual COM Port (VCP), USB
// direct, or Ethernet. Enable clear to send the Selected Device Clear (SDC)
// message to the GPIB address. Optionally controller configuration can be
// included using a ControllerOption.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := newController(rw, opts...)
	c.prologix = true
	c.primaryAddr = addr

	if !isPrimaryAddressValid(c.primaryAddr) {
		return nil, &RangeError{Quantity: "GPIB primary address", Value: float64(addr), Min: 0, Max: 30}
	}

	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		if !isSecondaryAddressValid(c.secondaryAddr) {
			return nil, &RangeError{Quantity: "GPIB secondary address", Value: float64(c.secondaryAddr), Min: 96, Max: 126}
		}
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	tmo := 500
	if c.timeout > 0 {
		tmo = int(c.timeout / time.Millisecond)
		if tmo < 1 {
			tmo = 1
		}
		if tmo > 3000 {
			tmo = 3000
		}
	}
	// Replies are split on the instrument's own terminator; the adapter
	// marks EOI with eot_char only when there is none.
	eotEnable := "eot_enable 0"
	if c.readTerm == TermNone {
		eotEnable = "eot_enable 1"
	}
	cmds := []string{}
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // Disable saving of configuration parameters in EPROM
		)
	}
	cmds = append(cmds,
		addrCmd,
		"mode 1", // controller mode
		"auto 0", // no read-after-write; Query asks for the reply explicitly
		"eoi 1",
		fmt.Sprintf("eos %d", c.writeTerm.gpibTerm()),
		fmt.Sprintf("read_tmo_ms %d", tmo),
		fmt.Sprintf("eot_char %d", c.eotChar),
		eotEnable,
	)
	if !c.ar488 {
		cmds = append(cmds, "savecfg 1")
	}
	if clear {
		cmds = append(cmds, "clr")
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, errors.Wrapf(err, "configuring controller (%s)", cmd)
		}
	}
	return c, nil
}

// NewDirect creates a handle to an instrument wired straight to rw, such as
// an Oxford instrument on its RS232 port. No adapter commands are sent.
func NewDirect(rw io.ReadWriter, opts ...ControllerOption) (*Controller, error) {
	c := newController(rw, opts...)
	if c.readTerm == TermNone && c.timeout == 0 {
		return nil, errors.Wrap(ErrConfiguration, "direct handle without read terminator needs a timeout")
	}
	return c, nil
}

func newController(rw io.ReadWriter, opts ...ControllerOption) *Controller {
	c := &Controller{
		rw:        rw,
		usbTerm:   '\n',
		eotChar:   '\n',
		readTerm:  TermCR,
		writeTerm: TermCR,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		if st, ok := rw.(interface{ SetReadTimeout(time.Duration) error }); ok {
			if err := st.SetReadTimeout(c.timeout); err != nil {
				c.log.Warnf("setting read timeout %s: %s", c.timeout, err)
			}
		}
	}
	return c
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithDebug causes commands and responses to be logged at debug level.
func WithDebug() ControllerOption { return func(c *Controller) { c.debug = true } }

// WithAR488 slightly alters the init commands, for compatiblity with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// WithReadTerminator sets the sequence that ends an instrument reply.
func WithReadTerminator(t Terminator) ControllerOption {
	return func(c *Controller) { c.readTerm = t }
}

// WithWriteTerminator sets the sequence appended to every command.
func WithWriteTerminator(t Terminator) ControllerOption {
	return func(c *Controller) { c.writeTerm = t }
}

// WithTimeout bounds every read. Zero, the default, waits forever on a
// direct handle and uses the adapter's 500 ms on a Prologix one.
func WithTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.timeout = d }
}

// WithWriteDelay enforces a minimum gap between consecutive writes, for slow
// instruments without input buffering.
func WithWriteDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.writeDelay = d }
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l *logrus.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// SetReadTerminator changes the reply terminator, for instruments whose
// protocol command switches it at run time.
func (c *Controller) SetReadTerminator(t Terminator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTerm = t
}

// Terminators returns the read and write terminators.
func (c *Controller) Terminators() (read, write Terminator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTerm, c.writeTerm
}

// Write writes the given data to the instrument at the currently assigned GPIB
// address.
func (c *Controller) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pace()
	return c.rw.Write(p)
}

// Read reads from the instrument at the currently assigned GPIB address into
// the given byte slice.
func (c *Controller) Read(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		n = copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.rw.Read(p)
}

// WriteString writes a string to the instrument, adding the terminator.
func (c *Controller) WriteString(s string) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(s)
}

// Command formats according to a format specifier if provided and sends the
// command to the instrument. All leading and trailing whitespace is removed
// before the terminator is appended.
func (c *Controller) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.send(cmd)
	return err
}

// Query sends cmd and reads one reply. When data from host is received over
// USB, the Prologix controller removes all non-escaped LF, CR and ESC
// characters and appends the GPIB terminator, as specified by the `eos`
// command, before sending the data to instruments. The returned reply has its
// read terminator (and the adapter's EOT character) removed.
func (c *Controller) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(cmd); err != nil {
		return "", err
	}
	s, err := c.readReply(cmd)
	if c.debug {
		c.log.Debugf("reply to %q: %q", cmd, s)
	}
	return s, err
}

// QueryBlock sends cmd and reads a reply that may be an IEEE-488.2 arbitrary
// block. A definite-length payload is read by its byte count, so it may hold
// terminator bytes; an indefinite one (#0) ends at the next LF. The block
// header is kept for block.Parse. A reply that is not a block is read as by
// Query.
func (c *Controller) QueryBlock(cmd string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(cmd); err != nil {
		return nil, err
	}
	b, err := c.readBlock(cmd)
	if err != nil {
		// the rest of a broken block would be taken for the next reply
		c.pending = nil
	}
	if c.debug {
		c.log.Debugf("block reply to %q: % 2x", cmd, b)
	}
	return b, err
}

// request sends cmd and, if read-after-write is disabled, tells the Prologix
// controller to read. c.mu is held.
func (c *Controller) request(cmd string) error {
	if _, err := c.send(cmd); err != nil {
		return errors.Wrapf(err, "writing %q", cmd)
	}
	if c.prologix && !c.auto {
		readCmd := "++read eoi"
		if _, err := fmt.Fprintf(c.rw, "%s%c", readCmd, c.usbTerm); err != nil {
			return errors.Wrapf(err, "sending `%s` command", readCmd)
		}
	}
	return nil
}

// QueryController sends the given command to the Prologix controller and
// returns its response as a string. To indicate this is a command for the
// Prologix controller, thereby not transmitting over GPIB, two plus signs `++`
// are prepended.
func (c *Controller) QueryController(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commandController(cmd); err != nil {
		return "", err
	}
	b, err := c.readUntil([]byte{'\n'}, "++"+cmd)
	s := strings.TrimSpace(string(b))
	if c.debug {
		c.log.Debugf("read data: %q", s)
	}
	return s, err
}

// CommandController sends the given command to the Prologix controller. To
// indicate this is a command for the Prologix controller, thereby not
// transmitting to the instrument over GPIB, two plus signs `++` are prepended.
func (c *Controller) CommandController(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandController(cmd)
}

func (c *Controller) commandController(cmd string) error {
	if !c.prologix {
		return errors.Wrapf(ErrConfiguration, "controller command %q on a direct handle", cmd)
	}
	cmd = fmt.Sprintf("++%s%c", strings.ToLower(strings.TrimSpace(cmd)), c.usbTerm)
	if c.debug {
		c.log.Debugf("cmd %q (%2x)", cmd, cmd)
	}
	_, err := c.rw.Write([]byte(cmd))
	return err
}

// FrontPanel returns the instrument to local front panel control when local
// is true, and locks the front panel out (++llo) otherwise.
func (c *Controller) FrontPanel(local bool) error {
	if local {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// ClearDevice sends the Selected Device Clear (SDC) message.
func (c *Controller) ClearDevice() error {
	return c.CommandController("clr")
}

// InstrumentAddress returns the GPIB address the adapter is talking to. The
// secondary address is zero when none is set.
func (c *Controller) InstrumentAddress() (pad, sad int, err error) {
	s, err := c.QueryController("addr")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, &NotRespondingError{Command: "++addr", Reply: s}
	}
	if pad, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, &NotRespondingError{Command: "++addr", Reply: s}
	}
	if len(fields) > 1 {
		if sad, err = strconv.Atoi(fields[1]); err != nil {
			return 0, 0, &NotRespondingError{Command: "++addr", Reply: s}
		}
	}
	return pad, sad, nil
}

// Version returns the adapter's version string.
func (c *Controller) Version() (string, error) {
	return c.QueryController("ver")
}

// ReadAfterWrite reports whether the adapter reads automatically after each
// write (++auto).
func (c *Controller) ReadAfterWrite() (bool, error) {
	n, err := c.queryControllerInt("auto")
	return n == 1, err
}

// ReadTimeout returns the adapter read timeout in milliseconds.
func (c *Controller) ReadTimeout() (int, error) {
	return c.queryControllerInt("read_tmo_ms")
}

// ServiceRequest reports whether SRQ is asserted.
func (c *Controller) ServiceRequest() (bool, error) {
	n, err := c.queryControllerInt("srq")
	return n == 1, err
}

// GPIBTermination returns the terminator the adapter appends to commands.
func (c *Controller) GPIBTermination() (GpibTerm, error) {
	n, err := c.queryControllerInt("eos")
	return GpibTerm(n), err
}

// SerialPoll polls the device at pad and returns its status byte.
func (c *Controller) SerialPoll(pad int) (int, error) {
	if !isPrimaryAddressValid(pad) {
		return 0, &RangeError{Quantity: "GPIB primary address", Value: float64(pad), Min: 0, Max: 30}
	}
	return c.queryControllerInt(fmt.Sprintf("spoll %d", pad))
}

func (c *Controller) queryControllerInt(cmd string) (int, error) {
	s, err := c.QueryController(cmd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &NotRespondingError{Command: "++" + cmd, Reply: s}
	}
	return n, nil
}

// Close returns a Prologix-addressed instrument to local control, discards
// unread input if rw can, then closes rw if it is an io.Closer. Every step
// runs even if an earlier one fails. Closing twice is a no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if c.prologix {
		err = multierr.Append(err, c.FrontPanel(true))
	}
	if rb, ok := c.rw.(interface{ ResetInputBuffer() error }); ok {
		err = multierr.Append(err, rb.ResetInputBuffer())
	}
	if cl, ok := c.rw.(io.Closer); ok {
		err = multierr.Append(err, cl.Close())
	}
	return err
}

// send writes one command with the configured terminator. c.mu is held.
func (c *Controller) send(cmd string) (int, error) {
	cmd = strings.TrimSpace(cmd)
	var out string
	if c.prologix {
		out = escape(cmd)
		if c.writeTerm == TermLFCR {
			// eos has no LF+CR setting; send the pair escaped
			out += "\x1b\n\x1b\r"
		}
		out += string(c.usbTerm)
	} else {
		out = cmd + c.writeTerm.Sequence()
	}
	if c.debug {
		c.log.Debugf("cmd %q (%x)", out, out)
	}
	c.pace()
	n, err := io.WriteString(c.rw, out)
	c.lastWrite = time.Now()
	return n, err
}

func (c *Controller) pace() {
	if c.writeDelay <= 0 || c.lastWrite.IsZero() {
		return
	}
	if wait := c.writeDelay - time.Since(c.lastWrite); wait > 0 {
		time.Sleep(wait)
	}
}

// readReply reads one reply and strips its terminators. c.mu is held.
func (c *Controller) readReply(cmd string) (string, error) {
	delim := []byte(c.readTerm.Sequence())
	if c.readTerm == TermNone {
		if !c.prologix {
			return c.readAvailable(cmd)
		}
		delim = []byte{c.eotChar}
	}
	b, err := c.readUntil(delim, cmd)
	if err != nil {
		return "", err
	}
	// A CR-terminated read leaves the LF of a CRLF reply behind, so strip
	// both ends.
	return strings.Trim(string(b), "\r\n"), nil
}

// readUntil returns bytes up to and including delim. A zero-length read with
// no error is how a serial port reports its read timeout.
func (c *Controller) readUntil(delim []byte, op string) ([]byte, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.Index(c.pending, delim); i >= 0 {
			end := i + len(delim)
			out := append([]byte(nil), c.pending[:end]...)
			c.pending = c.pending[end:]
			return out, nil
		}
		n, err := c.rw.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		switch {
		case err == io.EOF:
			if len(c.pending) == 0 {
				return nil, &TimeoutError{Op: op, After: c.timeout}
			}
			// Some adapters close the reply without a terminator.
			out := c.pending
			c.pending = nil
			return out, nil
		case err != nil:
			return nil, errors.Wrapf(err, "reading reply to %q", op)
		case n == 0:
			return nil, &TimeoutError{Op: op, After: c.timeout}
		}
	}
}

// readBlock reads one block reply. Line ends left over from an earlier reply
// are skipped. c.mu is held.
func (c *Controller) readBlock(op string) ([]byte, error) {
	for {
		if err := c.fill(1, op); err != nil {
			return nil, err
		}
		c.pending = bytes.TrimLeft(c.pending, "\r\n")
		if len(c.pending) > 0 {
			break
		}
	}
	if c.pending[0] != '#' {
		s, err := c.readReply(op)
		return []byte(s), err
	}
	if err := c.fill(2, op); err != nil {
		return nil, err
	}
	n := int(c.pending[1] - '0')
	if n < 0 || n > 9 {
		return nil, &NotRespondingError{Command: op, Reply: string(c.pending[:2])}
	}
	if n == 0 {
		return c.readUntil([]byte{'\n'}, op)
	}
	if err := c.fill(2+n, op); err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(string(c.pending[2 : 2+n]))
	if err != nil || count < 0 {
		return nil, &NotRespondingError{Command: op, Reply: string(c.pending[:2+n])}
	}
	end := 2 + n + count
	if err := c.fill(end, op); err != nil {
		return nil, err
	}
	out := append([]byte(nil), c.pending[:end]...)
	c.pending = c.pending[end:]
	// The terminator after the payload, when it has already arrived.
	c.pending = bytes.TrimPrefix(c.pending, []byte(c.readTerm.Sequence()))
	return out, nil
}

// fill reads until at least n bytes are pending. A zero-length read is a
// timeout. c.mu is held.
func (c *Controller) fill(n int, op string) error {
	buf := make([]byte, 256)
	for len(c.pending) < n {
		m, err := c.rw.Read(buf)
		c.pending = append(c.pending, buf[:m]...)
		switch {
		case err != nil && err != io.EOF:
			return errors.Wrapf(err, "reading reply to %q", op)
		case m == 0:
			return &TimeoutError{Op: op, After: c.timeout}
		}
	}
	return nil
}

// readAvailable returns whatever a single read yields, for instruments with
// no read terminator.
func (c *Controller) readAvailable(op string) (string, error) {
	if len(c.pending) > 0 {
		s := string(c.pending)
		c.pending = nil
		return s, nil
	}
	buf := make([]byte, 1024)
	n, err := c.rw.Read(buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			return "", errors.Wrapf(err, "reading reply to %q", op)
		}
		return "", &TimeoutError{Op: op, After: c.timeout}
	}
	return string(buf[:n]), nil
}

// escape protects the bytes the Prologix adapter would otherwise interpret.
func escape(s string) string {
	if !strings.ContainsAny(s, "\r\n\x1b+") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0x1b, '+':
			b.WriteByte(0x1b)
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Terminator is a line terminator for commands or replies.
type Terminator int

// Available terminators.
const (
	TermNone Terminator = iota
	TermCR
	TermLF
	TermCRLF
	TermLFCR
)

var terminatorSeq = map[Terminator]string{
	TermNone: "",
	TermCR:   "\r",
	TermLF:   "\n",
	TermCRLF: "\r\n",
	TermLFCR: "\n\r",
}

var terminatorName = map[string]Terminator{
	"":     TermNone,
	"NONE": TermNone,
	"CR":   TermCR,
	"LF":   TermLF,
	"CRLF": TermCRLF,
	"LFCR": TermLFCR,
}

// Sequence returns the terminator bytes.
func (t Terminator) Sequence() string { return terminatorSeq[t] }

func (t Terminator) String() string {
	switch t {
	case TermNone:
		return "NONE"
	case TermCR:
		return "CR"
	case TermLF:
		return "LF"
	case TermCRLF:
		return "CRLF"
	case TermLFCR:
		return "LFCR"
	}
	return fmt.Sprintf("Terminator(%d)", int(t))
}

// ParseTerminator accepts NONE, CR, LF, CRLF or LFCR in any case.
func ParseTerminator(s string) (Terminator, error) {
	t, ok := terminatorName[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return TermNone, &EnumError{Option: "terminator", Value: s, Allowed: []string{"NONE", "CR", "LF", "CRLF", "LFCR"}}
	}
	return t, nil
}

func (t Terminator) gpibTerm() GpibTerm {
	switch t {
	case TermCRLF:
		return AppendCRLF
	case TermCR:
		return AppendCR
	case TermLF:
		return AppendLF
	}
	return AppendNothing
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

// isPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func isPrimaryAddressValid(addr int) bool {
	return addr >= 0 && addr <= 30
}

// isSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func isSecondaryAddressValid(addr int) bool {
	return addr >= 96 && addr <= 126
}
