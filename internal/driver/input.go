package driver

import (
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/internal/battle"
	"github.com/tmorven/linkbridge/internal/registers"
)

// ConfirmMask is the injected-input bit for the confirm action.
const ConfirmMask byte = 0x01

// AwaitingSelection is the sub-phase value meaning the simulation sits on
// an interactive menu waiting for a selection. Build constant, like the
// phase-pointer values.
const AwaitingSelection byte = 0x2C

type InjectorConfig struct {
	// HoldTicks is how long a synthesized press is held before release.
	HoldTicks int
	// ResponseTicks is the initial window to wait for the sub-phase value
	// to move after a release; it doubles on every timeout.
	ResponseTicks int
	// AggressiveAfter is the number of response timeouts tolerated before
	// switching to periodic-press mode.
	AggressiveAfter int
	// PeriodicTicks is the press toggle interval in periodic-press mode.
	PeriodicTicks int
}

func DefaultInjectorConfig() InjectorConfig {
	return InjectorConfig{
		HoldTicks:       4,
		ResponseTicks:   30,
		AggressiveAfter: 3,
		PeriodicTicks:   8,
	}
}

type injState int

const (
	injIdle injState = iota
	injHolding
	injWaiting
	injAggressive
)

// Injector synthesizes the input events a human would supply in interactive
// sub-phases. It only ever writes the input_state register; unsticking
// anything beyond the menu layer is the recovery tracker's job.
type Injector struct {
	bank  registers.Bank
	log   *zap.Logger
	slots battle.Slots
	cfg   InjectorConfig

	state    injState
	holdLeft int
	waitLeft int
	window   int
	timeouts int
	pressed  bool
	presses  int
}

func NewInjector(bank registers.Bank, log *zap.Logger, slots battle.Slots, cfg InjectorConfig) *Injector {
	return &Injector{
		bank:   bank,
		log:    log,
		slots:  slots,
		cfg:    cfg,
		window: cfg.ResponseTicks,
	}
}

// Presses reports how many confirm presses have been synthesized.
func (i *Injector) Presses() int { return i.presses }

func (i *Injector) press() error {
	if err := i.bank.WriteByte(registers.InputState, ConfirmMask); err != nil {
		return err
	}
	i.pressed = true
	i.presses++
	return nil
}

func (i *Injector) release() error {
	if err := i.bank.WriteByte(registers.InputState, 0); err != nil {
		return err
	}
	i.pressed = false
	return nil
}

// Tick advances the injector one tick against the snapshot's view of the
// local sub-phase byte.
func (i *Injector) Tick(snap registers.Snapshot) error {
	awaiting := snap.SubPhase[i.slots.Self] == AwaitingSelection

	switch i.state {
	case injIdle:
		if !awaiting {
			return nil
		}
		i.log.Debug("sub-phase awaiting selection, injecting confirm")
		if err := i.press(); err != nil {
			return err
		}
		i.state = injHolding
		i.holdLeft = i.cfg.HoldTicks

	case injHolding:
		i.holdLeft--
		if i.holdLeft > 0 {
			return nil
		}
		if err := i.release(); err != nil {
			return err
		}
		i.state = injWaiting
		i.waitLeft = i.window

	case injWaiting:
		if !awaiting {
			// Selection registered; reset backoff for the next menu.
			i.state = injIdle
			i.window = i.cfg.ResponseTicks
			i.timeouts = 0
			return nil
		}
		i.waitLeft--
		if i.waitLeft > 0 {
			return nil
		}
		i.timeouts++
		if i.timeouts >= i.cfg.AggressiveAfter {
			i.log.Warn("input injection unresponsive, entering periodic-press mode",
				zap.Int("timeouts", i.timeouts))
			i.state = injAggressive
			return nil
		}
		i.window *= 2
		i.log.Debug("confirm unanswered, retrying with longer window",
			zap.Int("window_ticks", i.window))
		if err := i.press(); err != nil {
			return err
		}
		i.state = injHolding
		i.holdLeft = i.cfg.HoldTicks

	case injAggressive:
		if !awaiting {
			i.log.Info("sub-phase advanced during periodic-press mode")
			i.state = injIdle
			i.window = i.cfg.ResponseTicks
			i.timeouts = 0
			if i.pressed {
				return i.release()
			}
			return nil
		}
		// Toggle the confirm bit on a fixed cadence; if even this cannot
		// move the sub-phase, the recovery tracker force-advances.
		if i.waitLeft > 0 {
			i.waitLeft--
			return nil
		}
		i.waitLeft = i.cfg.PeriodicTicks
		if i.pressed {
			return i.release()
		}
		return i.press()
	}
	return nil
}
