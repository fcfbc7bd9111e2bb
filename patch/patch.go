// Package patch installs compiled units so that calls to a live function
// run them.
//
// Two strategies exist. Slot installation stores the unit in the
// function's dispatch slot, which the instrumented body consults on every
// call; it is a single atomic store. Direct installation overwrites the
// function's machine code entry with a jump to the unit's entry. Direct
// installation is irreversible, and since several bytes are written it is
// not safe while other goroutines may be entering the function.
package patch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/pboyd/hotswap/internal/fault"
	"github.com/pboyd/hotswap/internal/trampoline"
	"github.com/pboyd/hotswap/live"
)

var log = commonlog.GetLogger("hotswap.patch")

// Mode restricts the strategies the applier may pick.
type Mode uint8

const (
	// ModeAuto uses a slot when the function has one and a direct patch
	// otherwise.
	ModeAuto Mode = iota
	ModeSlot
	ModeDirect
)

var modeNames = [...]string{
	ModeAuto:   "auto",
	ModeSlot:   "slot",
	ModeDirect: "direct",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", m)
}

// ParseMode parses "auto", "slot" or "direct". The empty string is auto.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeAuto, nil
	}
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return ModeAuto, fmt.Errorf("unknown patch mode %q", s)
}

// Strategy is how a unit was installed.
type Strategy uint8

const (
	StrategyNone Strategy = iota
	StrategySlot
	StrategyDirect
)

func (s Strategy) String() string {
	switch s {
	case StrategySlot:
		return "slot"
	case StrategyDirect:
		return "direct"
	}
	return "none"
}

// Applier installs units. The strategy for a function is picked on its
// first successful installation and reused afterwards.
type Applier struct {
	slots *live.SlotTable
	mode  Mode

	mu         sync.Mutex
	strategies map[string]Strategy
}

// Option configures an Applier.
type Option func(*Applier)

// WithMode restricts the applier to mode.
func WithMode(mode Mode) Option {
	return func(a *Applier) {
		a.mode = mode
	}
}

// New returns an applier that finds dispatch slots in slots.
func New(slots *live.SlotTable, opts ...Option) *Applier {
	a := &Applier{
		slots:      slots,
		strategies: map[string]Strategy{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mode returns the applier's mode.
func (a *Applier) Mode() Mode {
	return a.mode
}

// Strategy returns the strategy used for key, or StrategyNone if it was
// never installed.
func (a *Applier) Strategy(key string) Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strategies[key]
}

// Install makes code the body of the function identified by key. target
// is the live function, needed only for direct installation; it may be
// nil when the function has a slot.
func (a *Applier) Install(key string, target *live.Method, code live.Code) (Strategy, error) {
	if code == nil {
		return StrategyNone, fmt.Errorf("%s: no unit to install", key)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.strategies[key]
	if !ok {
		var err error
		s, err = a.choose(key)
		if err != nil {
			return StrategyNone, err
		}
	}

	switch s {
	case StrategySlot:
		slot := a.slots.Lookup(key)
		if slot == nil {
			return StrategyNone, fault.Unsupported("%s has no dispatch slot", key)
		}
		slot.Store(code)
		log.Debugf("%s: stored unit in dispatch slot", key)
	case StrategyDirect:
		if err := direct(key, target, code); err != nil {
			return StrategyNone, err
		}
	}

	a.strategies[key] = s
	return s, nil
}

func (a *Applier) choose(key string) (Strategy, error) {
	hasSlot := a.slots != nil && a.slots.Lookup(key) != nil
	switch a.mode {
	case ModeSlot:
		if !hasSlot {
			return StrategyNone, fault.Unsupported("%s has no dispatch slot and the mode is slot", key)
		}
		return StrategySlot, nil
	case ModeDirect:
		return StrategyDirect, nil
	}
	if hasSlot {
		return StrategySlot, nil
	}
	return StrategyDirect, nil
}

// direct writes a jump from target's entry to code's entry. Everything
// that can fail is checked before the first byte is written.
func direct(key string, target *live.Method, code live.Code) error {
	if target == nil {
		return fault.TargetMissing("%s is not loaded", key)
	}
	if err := target.Prepare(); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := Diff(target.FuncType(), code.Func().Type()).Err(); err != nil {
		return fault.Unsupported("%s: signature differs from the unit's: %s", key, err)
	}

	dest := code.Entry()
	if dest == 0 {
		return fault.Unsupported("%s: the unit has no machine code entry", key)
	}
	entry, err := target.Entry()
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	written, err := trampoline.Write(entry, dest)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	if asm, err := trampoline.Disassemble(written, entry); err == nil {
		log.Debugf("%s: wrote jump at 0x%x:\n%s", key, entry, asm)
	}
	return nil
}
