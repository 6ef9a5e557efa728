// Package driver runs the tick context: it collects actor position samples,
// decodes them once per tick and routes the intents to the device facade.
package driver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/input"
	"mapkvm/internal/router"
)

var (
	// ErrUnknownActor is returned for actors that have not joined
	ErrUnknownActor = errors.New("actor not joined")

	// ErrInvalidProfile is returned for profiles outside the mode table
	ErrInvalidProfile = errors.New("invalid profile")
)

// JoinSample marks the correction sent when an actor joins.
const JoinSample = -1

// joinYaw turns a joining actor to face the display.
const joinYaw = 180

// Correction is a position override for the transport to apply to an actor.
type Correction struct {
	Sample   int
	Position mgl64.Vec3
	// Orient is set when Yaw and Pitch should be applied as well.
	Orient bool
	Yaw    float64
	Pitch  float64
}

// Corrector delivers position overrides to actors.
type Corrector interface {
	Correct(actor string, c Correction)
}

// Correctors fans a correction out to every transport.
type Correctors []Corrector

// Correct implements Corrector.
func (cs Correctors) Correct(actor string, c Correction) {
	for _, x := range cs {
		x.Correct(actor, c)
	}
}

// Engine reports whether a machine is available to drive.
type Engine interface {
	IsRunning() bool
}

// ActorInfo describes a joined actor.
type ActorInfo struct {
	ID       string
	Profile  int
	Position mgl64.Vec3
	Queued   int
}

type actor struct {
	id       string
	state    *input.ActorState
	position mgl64.Vec3
	queue    *input.SampleQueue
}

// Driver owns every joined actor's decoding state.
type Driver struct {
	mu        sync.Mutex
	decoder   *input.Decoder
	dev       router.Device
	engine    Engine
	corrector Corrector
	queueCap  int
	actors    map[string]*actor
	ticks     uint64

	onEvent func(actor string, profile int, ev input.Event)
}

// New creates a driver. A nil engine is treated as always running.
func New(dec *input.Decoder, dev router.Device, engine Engine, queueCap int) *Driver {
	return &Driver{
		decoder:  dec,
		dev:      dev,
		engine:   engine,
		queueCap: queueCap,
		actors:   make(map[string]*actor),
	}
}

// SetCorrector sets where position overrides are sent
func (d *Driver) SetCorrector(c Corrector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrector = c
}

// SetOnEvent sets the callback for every routed event
func (d *Driver) SetOnEvent(callback func(actor string, profile int, ev input.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = callback
}

// Join starts tracking an actor standing at pos and turns it towards the
// display. Joining again re-centres the actor and resets its state.
func (d *Driver) Join(id string, pos mgl64.Vec3) {
	d.mu.Lock()
	profile := 0
	if prev, ok := d.actors[id]; ok {
		profile = prev.state.Profile
	}
	st := input.NewActorState(pos)
	st.Profile = profile
	d.actors[id] = &actor{
		id:       id,
		state:    st,
		position: pos,
		queue:    input.NewSampleQueue(d.queueCap),
	}
	corrector := d.corrector
	d.mu.Unlock()

	log.Printf("Driver: Actor %s joined at %v", id, pos)
	if corrector != nil {
		corrector.Correct(id, Correction{Sample: JoinSample, Position: pos, Orient: true, Yaw: joinYaw})
	}
}

// Leave stops tracking an actor and releases every held modifier.
func (d *Driver) Leave(id string) bool {
	d.mu.Lock()
	_, ok := d.actors[id]
	delete(d.actors, id)
	d.mu.Unlock()

	d.dev.ReleaseAllModifiers()
	if ok {
		log.Printf("Driver: Actor %s left", id)
	}
	return ok
}

// Joined reports whether an actor is tracked.
func (d *Driver) Joined(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.actors[id]
	return ok
}

// SetProfile selects the mode an actor's intents are routed through.
func (d *Driver) SetProfile(id string, profile int) error {
	if profile < 0 || profile >= router.NumProfiles {
		return fmt.Errorf("%w: %d", ErrInvalidProfile, profile)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	a.state.Profile = profile
	return nil
}

// SetPosition moves the point an actor is held at.
func (d *Driver) SetPosition(id string, pos mgl64.Vec3) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	a.position = pos
	return nil
}

// Push queues an absolute position sample for the next tick. It returns false
// for unknown actors and when the actor's queue is full.
func (d *Driver) Push(id string, sample mgl64.Vec3) bool {
	d.mu.Lock()
	a, ok := d.actors[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return a.queue.Push(sample)
}

// Actors lists joined actors sorted by id.
func (d *Driver) Actors() []ActorInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActorInfo, 0, len(d.actors))
	for _, a := range d.actors {
		out = append(out, ActorInfo{
			ID:       a.id,
			Profile:  a.state.Profile,
			Position: a.position,
			Queued:   a.queue.Len(),
		})
	}
	slices.SortFunc(out, func(x, y ActorInfo) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return out
}

type pendingCorrection struct {
	actor string
	c     Correction
}

// Tick decodes every actor's queued samples in id order and routes the
// resulting intents. Samples arriving while no machine runs are discarded.
func (d *Driver) Tick() {
	d.mu.Lock()
	d.ticks++
	running := d.engine == nil || d.engine.IsRunning()
	ids := make([]string, 0, len(d.actors))
	for id := range d.actors {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var corrections []pendingCorrection
	for _, id := range ids {
		a := d.actors[id]
		samples := a.queue.Drain()
		if !running {
			continue
		}
		res := d.decoder.Decode(a.state, samples, a.position)
		for _, ev := range res.Events {
			router.Dispatch(d.dev, a.state.Profile, ev.Intent())
			if d.onEvent != nil {
				d.onEvent(id, a.state.Profile, ev)
			}
		}
		for _, c := range res.Corrections {
			corrections = append(corrections, pendingCorrection{
				actor: id,
				c:     Correction{Sample: c.Sample, Position: c.Position},
			})
		}
	}
	corrector := d.corrector
	d.mu.Unlock()

	if corrector == nil {
		return
	}
	for _, pc := range corrections {
		corrector.Correct(pc.actor, pc.c)
	}
}

// Ticks reports how many ticks have run.
func (d *Driver) Ticks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

// Run ticks at tickRate per second until ctx is done.
func (d *Driver) Run(ctx context.Context, tickRate int) {
	if tickRate <= 0 {
		tickRate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	log.Printf("Driver: Tick loop running at %d Hz", tickRate)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Driver: Tick loop stopped")
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}
