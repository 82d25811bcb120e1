// Package battle holds the contest-side model: rosters, the role table,
// and the roster exchange that keeps both simulations believing they face
// a live opponent.
package battle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tmorven/linkbridge/internal/registers"
	"github.com/tmorven/linkbridge/pkg/protocol"
)

var (
	ErrEmptyRoster  = errors.New("roster has no units")
	ErrRosterTooBig = fmt.Errorf("roster exceeds %d units", registers.MaxUnits)
	ErrBadUnit      = errors.New("invalid unit")
)

// Roster is the ordered set of units a participant brings to the contest.
type Roster []protocol.Unit

const nameLen = 10

// Byte layout of one 32-byte unit block inside a roster register:
//
//	0      species
//	1      level
//	2-3    hp (LE)
//	4-5    max hp (LE)
//	6      status
//	7      pad
//	8-17   five stat words (LE)
//	18-21  four move ids
//	22-31  name, zero padded
//
// The block register itself is a count byte followed by six unit blocks.

// Marshal serializes the roster to the register block format.
func (r Roster) Marshal() ([]byte, error) {
	if len(r) == 0 {
		return nil, ErrEmptyRoster
	}
	if len(r) > registers.MaxUnits {
		return nil, ErrRosterTooBig
	}
	out := make([]byte, registers.RosterBlockLen)
	out[0] = byte(len(r))
	for i, u := range r {
		b := out[1+i*registers.UnitBlockLen:]
		b[0] = u.Species
		b[1] = u.Level
		binary.LittleEndian.PutUint16(b[2:], u.HP)
		binary.LittleEndian.PutUint16(b[4:], u.MaxHP)
		b[6] = u.Status
		for j, st := range u.Stats {
			binary.LittleEndian.PutUint16(b[8+j*2:], st)
		}
		copy(b[18:22], u.Moves[:])
		name := u.Name
		if len(name) > nameLen {
			name = name[:nameLen]
		}
		copy(b[22:32], name)
	}
	return out, nil
}

// UnmarshalRoster decodes a register block back into units.
func UnmarshalRoster(block []byte) (Roster, error) {
	if len(block) < registers.RosterBlockLen {
		return nil, fmt.Errorf("roster block too short: %d bytes", len(block))
	}
	n := int(block[0])
	if n == 0 {
		return nil, ErrEmptyRoster
	}
	if n > registers.MaxUnits {
		return nil, ErrRosterTooBig
	}
	r := make(Roster, n)
	for i := 0; i < n; i++ {
		b := block[1+i*registers.UnitBlockLen:]
		u := protocol.Unit{
			Species: b[0],
			Level:   b[1],
			HP:      binary.LittleEndian.Uint16(b[2:]),
			MaxHP:   binary.LittleEndian.Uint16(b[4:]),
			Status:  b[6],
		}
		for j := range u.Stats {
			u.Stats[j] = binary.LittleEndian.Uint16(b[8+j*2:])
		}
		copy(u.Moves[:], b[18:22])
		u.Name = string(bytes.TrimRight(b[22:32], "\x00"))
		r[i] = u
	}
	return r, nil
}

func (r Roster) validate() error {
	if len(r) == 0 {
		return ErrEmptyRoster
	}
	if len(r) > registers.MaxUnits {
		return ErrRosterTooBig
	}
	for i, u := range r {
		if u.Species == 0 {
			return fmt.Errorf("%w: unit %d has species 0", ErrBadUnit, i)
		}
		if u.MaxHP == 0 || u.HP > u.MaxHP {
			return fmt.Errorf("%w: unit %d hp %d/%d", ErrBadUnit, i, u.HP, u.MaxHP)
		}
	}
	return nil
}

type rosterFile struct {
	Units []struct {
		Species uint8     `yaml:"species"`
		Level   uint8     `yaml:"level"`
		HP      uint16    `yaml:"hp"`
		MaxHP   uint16    `yaml:"max_hp"`
		Status  uint8     `yaml:"status"`
		Stats   [5]uint16 `yaml:"stats"`
		Moves   [4]uint8  `yaml:"moves"`
		Name    string    `yaml:"name"`
	} `yaml:"units"`
}

// LoadRoster reads a roster source file (YAML). A missing or invalid file
// is a setup failure; the peer exits 1 on it.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster source: %w", err)
	}
	var rf rosterFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("roster source %s: %w", path, err)
	}
	r := make(Roster, len(rf.Units))
	for i, u := range rf.Units {
		r[i] = protocol.Unit{
			Species: u.Species,
			Level:   u.Level,
			HP:      u.HP,
			MaxHP:   u.MaxHP,
			Status:  u.Status,
			Stats:   u.Stats,
			Moves:   u.Moves,
			Name:    u.Name,
		}
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("roster source %s: %w", path, err)
	}
	return r, nil
}
