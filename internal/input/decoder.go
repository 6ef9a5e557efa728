// Package input turns a stream of absolute actor positions into discrete
// jump and WASD intents.
package input

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Thresholds tunes edge detection and debouncing.
type Thresholds struct {
	// JumpRise is the per-sample Y increase that counts as rising.
	JumpRise float64
	// JumpFall is the per-sample Y change below which the actor is falling.
	JumpFall float64
	// JumpCooldown is the number of ticks a jump suppresses the next one.
	JumpCooldown int
	// MoveEpsilon is the minimum horizontal displacement per axis.
	MoveEpsilon float64
	// MoveCooldown is the number of ticks between directional decodes.
	MoveCooldown int
	// TeleportDistSq is the squared horizontal distance that triggers a
	// position correction.
	TeleportDistSq float64
}

// DefaultThresholds returns the tuned defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		JumpRise:       0.05,
		JumpFall:       -0.01,
		JumpCooldown:   25,
		MoveEpsilon:    0.001,
		MoveCooldown:   3,
		TeleportDistSq: 0.01,
	}
}

// ActorState is the per-actor decoding state.
type ActorState struct {
	Profile      int
	JumpCooldown int
	MoveCooldown int
	WasJumping   bool
	LastY        float64
	LastDeltaX   float64
	LastDeltaZ   float64
}

// NewActorState starts tracking an actor standing at pos.
func NewActorState(pos mgl64.Vec3) *ActorState {
	return &ActorState{LastY: pos.Y()}
}

// Direction is a single decoded WASD direction.
type Direction int

const (
	None Direction = iota
	W
	A
	S
	D
)

func (d Direction) String() string {
	switch d {
	case W:
		return "W"
	case A:
		return "A"
	case S:
		return "S"
	case D:
		return "D"
	}
	return "none"
}

// Intent is the flag form of a decoded event as consumed by the router.
type Intent struct {
	W, A, S, D bool
	Jump       bool
}

// EventKind distinguishes jump edges from directional decodes.
type EventKind int

const (
	EventJump EventKind = iota
	EventMove
)

// Event is one decoded intent. Sample is the index of the sample that
// produced it.
type Event struct {
	Kind      EventKind
	Direction Direction
	Sample    int
}

// Intent converts the event into router flags.
func (e Event) Intent() Intent {
	if e.Kind == EventJump {
		return Intent{Jump: true}
	}
	return Intent{
		W: e.Direction == W,
		A: e.Direction == A,
		S: e.Direction == S,
		D: e.Direction == D,
	}
}

// Correction asks the transport to put the actor back at Position.
type Correction struct {
	Sample   int
	Position mgl64.Vec3
}

// Result is everything a single tick produced for one actor.
type Result struct {
	Events      []Event
	Corrections []Correction
}

// Decoder applies Thresholds to actor samples. The zero value is not usable;
// construct with NewDecoder.
type Decoder struct {
	th Thresholds
}

// NewDecoder creates a decoder.
func NewDecoder(th Thresholds) *Decoder {
	return &Decoder{th: th}
}

// Thresholds returns the decoder's settings.
func (d *Decoder) Thresholds() Thresholds {
	return d.th
}

// Decode runs one tick for an actor: cooldowns tick down, then every sample
// is checked in order for a jump edge and a direction. current is the
// position the actor is held at; samples that drift horizontally from it
// produce a correction whether or not they decode.
func (d *Decoder) Decode(st *ActorState, samples []mgl64.Vec3, current mgl64.Vec3) Result {
	if st.JumpCooldown > 0 {
		st.JumpCooldown--
	}
	if st.MoveCooldown > 0 {
		st.MoveCooldown--
	}

	var res Result
	for i, s := range samples {
		deltaY := s.Y() - st.LastY
		rising := deltaY > d.th.JumpRise
		if rising && !st.WasJumping && st.JumpCooldown == 0 {
			res.Events = append(res.Events, Event{Kind: EventJump, Sample: i})
			st.JumpCooldown = d.th.JumpCooldown
			st.WasJumping = true
		} else if !rising && deltaY < d.th.JumpFall {
			st.WasJumping = false
		}
		st.LastY = s.Y()

		delta := s.Sub(current)
		dx, dz := delta.X(), delta.Z()
		if dx*dx+dz*dz > d.th.TeleportDistSq {
			res.Corrections = append(res.Corrections, Correction{Sample: i, Position: current})
		}

		if math.Max(math.Abs(dx), math.Abs(dz)) > d.th.MoveEpsilon && st.MoveCooldown == 0 {
			res.Events = append(res.Events, Event{Kind: EventMove, Direction: dominant(dx, dz), Sample: i})
			st.MoveCooldown = d.th.MoveCooldown
			st.LastDeltaX = dx
			st.LastDeltaZ = dz
		}
	}
	return res
}

// dominant picks the axis with the larger displacement. Ties go to X.
func dominant(dx, dz float64) Direction {
	if math.Abs(dz) > math.Abs(dx) {
		if dz < 0 {
			return W
		}
		return S
	}
	if dx < 0 {
		return A
	}
	return D
}
