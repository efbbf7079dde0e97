package keithley

import (
	"strings"
	"sync"

	"github.com/gotmc/maglab/lib/sim"
)

// fakeMeter answers the common commands and follows its output state.
type fakeMeter struct {
	*sim.Instrument
	mu     sync.Mutex
	output bool
	errs   []string // queued error queue replies
}

// newFakeMeter returns a meter identifying as model. outCmd is the output
// command without its argument, ":OUTP:STAT" for the 2400 and ":OUTP" for
// the 6517A.
func newFakeMeter(model, outCmd string) *fakeMeter {
	f := &fakeMeter{Instrument: sim.New("\n")}
	f.Reply("*IDN?", "KEITHLEY INSTRUMENTS INC.,MODEL "+model+",1234567,C30   Mar 17 2006 09:29:29/A02  /K/J")
	f.Reply("*TST?", "0")
	f.Reply("*ESE?", "255")
	f.Reply("*ESR?", "0")
	f.Reply("*OPT?", "0")
	f.Reply("*SRE?", "189")
	f.Reply("*OPC?", "1")
	f.Handle(":SYST:ERR?", func(string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.errs) == 0 {
			return `0,"No error"`
		}
		e := f.errs[0]
		f.errs = f.errs[1:]
		return e
	})
	f.HandlePrefix(outCmd+" ", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.output = strings.HasPrefix(cmd[len(outCmd)+1:], "ON")
		return ""
	})
	f.Handle(outCmd+"?", func(string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.output {
			return "1"
		}
		return "0"
	})
	return f
}

// queueError makes the next error queue read return reply.
func (f *fakeMeter) queueError(reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, reply)
}

func (f *fakeMeter) isOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output
}

// writes returns the logged commands that are not queries.
func writes(log []string) []string {
	var out []string
	for _, c := range log {
		if !strings.Contains(c, "?") {
			out = append(out, c)
		}
	}
	return out
}
