package oxford

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/maglab/lib/sim"
)

// quick keeps the sequences fast under test.
var quick = []Option{WithSettle(0), WithPollInterval(time.Millisecond)}

func opts(extra ...Option) []Option { return append(append([]Option(nil), quick...), extra...) }

// fakeIPS is a power supply that follows its commands.
type fakeIPS struct {
	*sim.Instrument
	mu       sync.Mutex
	activity byte
	heater   byte
	mode     byte
	sweeps   int  // X polls left before the output comes to rest
	stuck    bool // never comes to rest
	values   map[string]string
}

func newFakeIPS(radix string) *fakeIPS {
	f := &fakeIPS{
		Instrument: sim.New("\r"),
		activity:   '0',
		heater:     '0',
		mode:       '1',
		values:     make(map[string]string),
	}
	echo := func(cmd string) string { return cmd[len(radix) : len(radix)+1] }
	f.Reply(radix+"V", "IPS120-10  Version 3.07  (c) OXFORD 1996")
	f.HandlePrefix(radix+"C", echo)
	f.HandlePrefix(radix+"F", echo)
	f.HandlePrefix(radix+"P", echo)
	f.HandlePrefix(radix+"R", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		v, ok := f.values[cmd[len(radix)+1:]]
		if !ok {
			v = "+0.0000"
		}
		return "R" + v
	})
	set := func(param string) sim.Handler {
		return func(cmd string) string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.values[param] = cmd[len(radix)+1:]
			if param == "5" || param == "8" {
				f.sweeps = 2
			}
			return echo(cmd)
		}
	}
	f.HandlePrefix(radix+"I", set("5"))
	f.HandlePrefix(radix+"J", set("8"))
	f.HandlePrefix(radix+"S", set("6"))
	f.HandlePrefix(radix+"T", set("9"))
	f.HandlePrefix(radix+"A", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.activity = cmd[len(radix)+1]
		if f.activity == '1' {
			f.sweeps = 1
		}
		return "A"
	})
	f.HandlePrefix(radix+"H", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.heater = cmd[len(radix)+1]
		return "H"
	})
	f.HandlePrefix(radix+"M", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch d := cmd[len(radix)+1]; d {
		case '8':
			f.mode &^= 1 // bit 0 of an ASCII digit is bit 0 of its value
		case '9':
			f.mode |= 1
		default:
			f.mode = d
		}
		return "M"
	})
	f.Handle(radix+"X", func(string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		state := byte('0')
		if f.stuck || f.sweeps > 0 {
			state = '1'
			if f.sweeps > 0 {
				f.sweeps--
			}
		}
		return fmt.Sprintf("X00A%cC1H%cM%c%cP03", f.activity, f.heater, f.mode, state)
	})
	return f
}

func (f *fakeIPS) set(param, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[param] = value
}

// fakeILM is a level meter with per-channel usage digits and levels in
// tenths of a percent.
type fakeILM struct {
	*sim.Instrument
	mu      sync.Mutex
	usage   string
	channel [3]uint8
	levels  map[string]string
}

func newFakeILM(usage string) *fakeILM {
	f := &fakeILM{
		Instrument: sim.New("\r"),
		usage:      usage,
		levels:     map[string]string{"1": "0500", "2": "0800", "3": "0900", "10": "000"},
	}
	f.Reply("V", "ILM200 Version 1.08 (c) OXFORD 1994")
	f.HandlePrefix("C", func(string) string { return "C" })
	f.HandlePrefix("F", func(string) string { return "F" })
	f.HandlePrefix("R", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		return "R" + f.levels[cmd[1:]]
	})
	f.HandlePrefix("G", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.levels["10"] = cmd[1:]
		return "G"
	})
	rate := func(bit uint8) sim.Handler {
		return func(cmd string) string {
			f.mu.Lock()
			defer f.mu.Unlock()
			ch := cmd[1] - '1'
			f.channel[ch] = f.channel[ch]&^0x06 | bit
			return cmd[:1]
		}
	}
	f.HandlePrefix("S", rate(0x04))
	f.HandlePrefix("T", rate(0x02))
	f.Handle("X", func(string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		return fmt.Sprintf("X%sS%02X%02X%02XR00", f.usage, f.channel[0], f.channel[1], f.channel[2])
	})
	return f
}

func (f *fakeILM) level(ch, tenths string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[ch] = tenths
}

// fakeITC is a temperature controller that echoes every setting.
type fakeITC struct {
	*sim.Instrument
	mu     sync.Mutex
	auto   byte
	sensor byte
	pid    byte
	step   int
	values map[string]string
}

func newFakeITC() *fakeITC {
	f := &fakeITC{
		Instrument: sim.New("\r"),
		auto:       '0',
		sensor:     '1',
		pid:        '0',
		values:     make(map[string]string),
	}
	f.Reply("V", "ITC503 Version 1.1 (c) OXFORD 1997")
	f.HandlePrefix("C", func(string) string { return "C" })
	f.HandlePrefix("F", func(string) string { return "F" })
	f.HandlePrefix("M", func(string) string { return "M" })
	f.HandlePrefix("R", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		v, ok := f.values[cmd[1:]]
		if !ok {
			v = "0"
		}
		return "R" + v
	})
	for letter, param := range map[string]string{"T": "0", "O": "5", "G": "7", "P": "8", "I": "9", "D": "10"} {
		letter, param := letter, param
		f.HandlePrefix(letter, func(cmd string) string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.values[param] = cmd[1:]
			return letter
		})
	}
	digit := func(dst *byte) sim.Handler {
		return func(cmd string) string {
			f.mu.Lock()
			defer f.mu.Unlock()
			*dst = cmd[1]
			return cmd[:1]
		}
	}
	f.HandlePrefix("A", digit(&f.auto))
	f.HandlePrefix("H", digit(&f.sensor))
	f.HandlePrefix("L", digit(&f.pid))
	f.HandlePrefix("S", func(cmd string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return "?" + cmd
		}
		f.step = n
		return "S"
	})
	f.Handle("X", func(string) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		return fmt.Sprintf("X0A%cC1S%02dH%cL%c", f.auto, f.step, f.sensor, f.pid)
	})
	return f
}

// inOrder reports whether every cmd appears in log in the given order.
func inOrder(log []string, cmds ...string) bool {
	i := 0
	for _, l := range log {
		if i < len(cmds) && l == cmds[i] {
			i++
		}
	}
	return i == len(cmds)
}

// sentAny reports whether any logged command starts with one of prefixes.
func sentAny(log []string, prefixes ...string) bool {
	for _, l := range log {
		for _, p := range prefixes {
			if strings.HasPrefix(l, p) {
				return true
			}
		}
	}
	return false
}
