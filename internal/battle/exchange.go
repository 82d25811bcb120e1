package battle

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/internal/registers"
	"github.com/tmorven/linkbridge/pkg/protocol"
)

// Exchange copies each peer's roster into the other peer's simulation and
// keeps the copy alive. The simulation periodically zeroes the opponent
// roster expecting a live link partner to resend it, so the exchange
// re-asserts its cached copy on a fixed tick interval for the whole
// session. All roster writes are idempotent.
type Exchange struct {
	bank  registers.Bank
	log   *zap.Logger
	slots Slots

	local      Roster
	localBlock []byte

	remoteBlock []byte

	interval int
	seeded   bool
	sent     bool
	applied  bool
}

func NewExchange(bank registers.Bank, log *zap.Logger, slots Slots, local Roster, reassertInterval int) (*Exchange, error) {
	block, err := local.Marshal()
	if err != nil {
		return nil, fmt.Errorf("local roster: %w", err)
	}
	return &Exchange{
		bank:       bank,
		log:        log,
		slots:      slots,
		local:      local,
		localBlock: block,
		interval:   reassertInterval,
	}, nil
}

// SeedLocal writes the local roster into the self slot. Safe to call more
// than once.
func (e *Exchange) SeedLocal() error {
	if err := e.bank.WriteBlock(e.slots.SelfRoster(), e.localBlock); err != nil {
		return err
	}
	e.seeded = true
	return nil
}

// SyncMessage builds the roster_sync sent to the other peer. Marked sent on
// first use; transport reconnects call it again for a fresh sync.
func (e *Exchange) SyncMessage() protocol.Message {
	e.sent = true
	return protocol.Message{
		Type:       protocol.TypeRosterSync,
		RosterSync: &protocol.RosterSync{Units: e.local},
	}
}

// ApplyRemote writes the remote peer's roster into the opponent slot and
// caches the block for reassertion. Reapplying the same roster is a no-op
// beyond the write itself.
func (e *Exchange) ApplyRemote(units []protocol.Unit) error {
	block, err := Roster(units).Marshal()
	if err != nil {
		return fmt.Errorf("remote roster: %w", err)
	}
	if err := e.bank.WriteBlock(e.slots.RemoteRoster(), block); err != nil {
		return err
	}
	e.remoteBlock = block
	e.applied = true
	e.log.Info("remote roster applied",
		zap.Int("units", len(units)),
		zap.String("register", string(e.slots.RemoteRoster())))
	return nil
}

// Complete reports whether both directions of the exchange have happened.
func (e *Exchange) Complete() bool { return e.sent && e.applied }

// Tick re-asserts cached roster blocks every interval ticks. The write only
// happens when the register has drifted from the cache, which also surfaces
// the simulation's own clearing writes in the log.
func (e *Exchange) Tick(tick uint64) error {
	if e.interval <= 0 || tick == 0 || tick%uint64(e.interval) != 0 {
		return nil
	}
	if e.seeded {
		if err := e.reassert(e.slots.SelfRoster(), e.localBlock); err != nil {
			return err
		}
	}
	if e.applied {
		if err := e.reassert(e.slots.RemoteRoster(), e.remoteBlock); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exchange) reassert(name registers.Name, want []byte) error {
	cur, err := e.bank.ReadBlock(name)
	if err != nil {
		return err
	}
	if bytes.Equal(cur, want) {
		return nil
	}
	e.log.Debug("roster drifted, reasserting", zap.String("register", string(name)))
	return e.bank.WriteBlock(name, want)
}
