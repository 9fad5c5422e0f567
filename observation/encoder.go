package observation

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSolidBlock is the block type counted as occupied.
const DefaultSolidBlock = "cobblestone_wall"

var (
	ErrPoll             = errors.New("environment reported errors")
	ErrMalformedPayload = errors.New("malformed observation payload")
)

// Payload is the observation record reported by the simulator. Every field is
// optional; a payload without FloorAll carries no grid.
type Payload struct {
	FloorAll    []string `json:"floorAll,omitempty"`
	Yaw         *float64 `json:"Yaw,omitempty"`
	Life        *float64 `json:"Life,omitempty"`
	DamageTaken *float64 `json:"DamageTaken,omitempty"`
	XPos        *float64 `json:"XPos,omitempty"`
	ZPos        *float64 `json:"ZPos,omitempty"`
}

// Decode parses the simulator's JSON text.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	return p, nil
}

// QuarterTurns maps the agent's yaw onto the number of rotations that bring
// "ahead" to the top-centre of the grid: 270 -> 1, 0 -> 2, 90 -> 3, 180 -> 0.
// A missing or off-axis yaw is left unrotated.
func (p Payload) QuarterTurns() int {
	if p.Yaw == nil {
		return 0
	}
	yaw := math.Mod(*p.Yaw, 360)
	if yaw < 0 {
		yaw += 360
	}
	switch yaw {
	case 270:
		return 1
	case 0:
		return 2
	case 90:
		return 3
	default:
		return 0
	}
}

// Encoder turns simulator payloads into oriented grids and remembers the last
// grid it produced, which stands in whenever a poll carries no usable grid.
type Encoder struct {
	size    int
	solid   map[string]struct{}
	last    Grid
	payload Payload
}

// NewEncoder creates an encoder for an odd window size. Without explicit
// solid block names only DefaultSolidBlock counts as occupied.
func NewEncoder(size int, solid ...string) (*Encoder, error) {
	if size <= 1 || size%2 == 0 {
		return nil, errors.Errorf("observation size must be odd and at least 3, got %d", size)
	}
	if len(solid) == 0 {
		solid = []string{DefaultSolidBlock}
	}
	set := make(map[string]struct{}, len(solid))
	for _, name := range solid {
		set[name] = struct{}{}
	}
	return &Encoder{size: size, solid: set, last: NewGrid(size)}, nil
}

// Size returns the grid width.
func (e *Encoder) Size() int {
	return e.size
}

// Last returns a copy of the most recent grid, zero-filled before the first.
func (e *Encoder) Last() Grid {
	return e.last.Clone()
}

// Payload returns the last payload decoded since Reset.
func (e *Encoder) Payload() Payload {
	return e.payload
}

// Reset forgets the last grid so the next fallback is the zero grid.
func (e *Encoder) Reset() {
	e.last = NewGrid(e.size)
	e.payload = Payload{}
}

// Encode produces the grid for one poll. Errors reported during the poll
// yield ErrPoll; an absent payload or one without grid data is not an error.
// Whenever no new grid can be built the last grid is returned.
func (e *Encoder) Encode(raw []byte, present bool, errs []string) (Grid, error) {
	if len(errs) > 0 {
		return e.Last(), errors.Wrap(ErrPoll, strings.Join(errs, "; "))
	}
	if !present || len(raw) == 0 {
		return e.Last(), nil
	}

	p, err := Decode(raw)
	if err != nil {
		return e.Last(), err
	}
	e.payload = p
	if p.FloorAll == nil {
		return e.Last(), nil
	}

	grid, err := e.fromBlocks(p.FloorAll)
	if err != nil {
		return e.Last(), err
	}
	e.last = grid.Rotate(p.QuarterTurns())
	return e.Last(), nil
}

// fromBlocks reshapes the flat block list, ordered layer, row, column, into
// a binary grid.
func (e *Encoder) fromBlocks(blocks []string) (Grid, error) {
	want := Layers * e.size * e.size
	if len(blocks) != want {
		return Grid{}, errors.Wrapf(ErrMalformedPayload, "grid has %d cells, want %d", len(blocks), want)
	}
	g := NewGrid(e.size)
	for i, name := range blocks {
		if _, ok := e.solid[name]; ok {
			g.cells[i] = 1
		}
	}
	return g, nil
}
