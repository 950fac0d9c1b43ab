// Package protocol is the JSON wire format spoken with observers. Every
// frame is an Envelope {"type": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

var ErrMalformed = errors.New("protocol: malformed message")

type MessageType string

const (
	TypeRequestInitialData MessageType = "requestInitialData"
	TypeInitialData        MessageType = "initialData"
	TypeCellClicked        MessageType = "cellClicked"
	TypeCellUpdate         MessageType = "cellUpdate"
	TypeCooldownRejected   MessageType = "cooldownRejected"
	TypeCellRejected       MessageType = "cellRejected"

	// Legacy names still sent by older clients.
	TypeGetInitialData  MessageType = "getInitialData"
	TypeCheckboxClicked MessageType = "checkboxClicked"
)

// Canonical folds legacy aliases onto their current name.
func (t MessageType) Canonical() MessageType {
	switch t {
	case TypeGetInitialData:
		return TypeRequestInitialData
	case TypeCheckboxClicked:
		return TypeCellClicked
	}
	return t
}

type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type WireCell struct {
	ID     int        `json:"id"`
	X      int        `json:"x"`
	Y      int        `json:"y"`
	Color  grid.Color `json:"color"`
	Origin string     `json:"origin,omitempty"`
}

func NewWireCell(c grid.Cell, width int) WireCell {
	return WireCell{ID: c.Coord().ID(width), X: c.X, Y: c.Y, Color: c.Color, Origin: c.Origin}
}

type InitialData struct {
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	CountdownSeconds int        `json:"countdownSeconds"`
	GrowthStopped    bool       `json:"growthStopped,omitempty"`
	DefaultColor     grid.Color `json:"defaultColor"`
	Cells            []WireCell `json:"cells"`
}

func NewInitialData(snap grid.Snapshot) InitialData {
	out := InitialData{
		Width:            snap.Width,
		Height:           snap.Height,
		CountdownSeconds: snap.CountdownSeconds,
		GrowthStopped:    snap.GrowthStopped,
		DefaultColor:     snap.DefaultColor,
		Cells:            make([]WireCell, len(snap.Cells)),
	}
	for i, c := range snap.Cells {
		out.Cells[i] = NewWireCell(c, snap.Width)
	}
	return out
}

// CellClicked addresses a cell either by (x, y) or by its row-major id.
// Coordinates win when both are present.
type CellClicked struct {
	ID    *int   `json:"id,omitempty"`
	X     *int   `json:"x,omitempty"`
	Y     *int   `json:"y,omitempty"`
	Color string `json:"color"`
}

// Coord resolves the target against the current grid size.
func (c CellClicked) Coord(width, height int) (grid.Coord, error) {
	switch {
	case c.X != nil && c.Y != nil:
		return grid.Coord{X: *c.X, Y: *c.Y}, nil
	case c.ID != nil:
		return grid.CoordFromID(*c.ID, width, height)
	default:
		return grid.Coord{}, fmt.Errorf("%w: cell needs either x and y or id", ErrMalformed)
	}
}

type CellUpdate = WireCell

type CooldownRejected struct {
	RetryAfterSeconds int `json:"retryAfterSeconds"`
}

type CellRejected struct {
	Reason string `json:"reason"`
}

// Encode marshals a payload into a full frame.
func Encode(t MessageType, data any) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", t, err)
	}
	return out, nil
}

// Decode parses a frame. The returned type is canonical.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	env.Type = env.Type.Canonical()
	return env, nil
}

// DecodeData unmarshals the payload of env into v.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, env.Type, err)
	}
	return nil
}
