// Package session owns the lifecycle of the single emulated machine and the
// frame it last produced.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mapkvm/internal/device"
)

// Info describes the current machine session.
type Info struct {
	ID        string
	Image     string
	Medium    Medium
	RAM       int
	StartedAt time.Time
	Width     int
	Height    int
}

type instance struct {
	info    Info
	machine Machine
	cancel  context.CancelFunc
	done    chan struct{}

	closed atomic.Bool
	width  atomic.Int32
	height atomic.Int32
}

// Manager runs at most one machine at a time and wires it to the device facade.
type Manager struct {
	mu      sync.Mutex
	factory Factory
	facade  *device.Facade
	current *instance
	running atomic.Bool
	frame   atomic.Pointer[Frame]

	onExit func(info Info, err error)
}

// NewManager creates a manager that builds machines with factory.
func NewManager(factory Factory, facade *device.Facade) *Manager {
	return &Manager{
		factory: factory,
		facade:  facade,
	}
}

// Facade returns the device facade the manager attaches machines to.
func (m *Manager) Facade() *device.Facade {
	return m.facade
}

// SetOnExit sets the callback for machines that stop on their own
func (m *Manager) SetOnExit(callback func(info Info, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = callback
}

// Start boots imagePath from the given medium with ramMB of memory. It fails
// without side effects if a machine is running or the image is missing.
//
// Start assumes a single control path: the running check and the state
// update are separate steps, so two concurrent calls can both pass the check.
func (m *Manager) Start(imagePath string, medium Medium, ramMB int) error {
	if m.IsRunning() {
		return ErrAlreadyRunning
	}
	if ramMB <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRAM, ramMB)
	}
	if fi, err := os.Stat(imagePath); err != nil || !fi.Mode().IsRegular() {
		log.Printf("Session: Image file not found: %s", imagePath)
		return fmt.Errorf("%w: %s", ErrImageNotFound, imagePath)
	}

	// A machine that died on its own may still be registered.
	m.Stop()

	inst := &instance{
		info: Info{
			ID:        uuid.NewString(),
			Image:     imagePath,
			Medium:    medium,
			RAM:       ramMB,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}

	log.Printf("Session: Creating machine with %dMB RAM", ramMB)
	mach, err := m.factory(ramMB, &display{m: m, inst: inst})
	if err != nil {
		log.Printf("Session: Failed to create machine: %v", err)
		return fmt.Errorf("failed to create machine: %w", err)
	}
	if err := assignImage(mach.Configuration(), medium, imagePath); err != nil {
		log.Printf("Session: Could not attach image: %v", err)
		mach.Stop()
		return err
	}
	inst.machine = mach

	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel

	m.mu.Lock()
	m.current = inst
	m.mu.Unlock()
	m.frame.Store(nil)
	m.facade.Attach(mach.Keyboard(), mach.Mouse())
	m.running.Store(true)

	go m.run(ctx, inst)

	log.Printf("Session: Machine %s started from %s (%s, %dMB)", inst.info.ID, imagePath, medium, ramMB)
	return nil
}

func (m *Manager) run(ctx context.Context, inst *instance) {
	defer close(inst.done)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("machine panic: %v", r)
			}
		}()
		return inst.machine.Run(ctx)
	}()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("Session: Machine %s error: %v", inst.info.ID, err)
	} else {
		log.Printf("Session: Machine %s exited", inst.info.ID)
	}

	m.mu.Lock()
	if m.current != inst {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.running.Store(false)
	onExit := m.onExit
	m.mu.Unlock()

	m.teardown(inst)
	if onExit != nil {
		onExit(inst.info, err)
	}
}

// Stop halts the current machine and releases everything held on the
// devices. It reports whether there was a machine to stop. Halting is
// cooperative: the machine's goroutine may still be winding down on return.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	inst := m.current
	m.current = nil
	m.running.Store(false)
	m.mu.Unlock()

	if inst == nil {
		return false
	}
	m.teardown(inst)
	log.Printf("Session: Machine %s stopped", inst.info.ID)
	return true
}

func (m *Manager) teardown(inst *instance) {
	inst.closed.Store(true)
	m.facade.Reset()
	m.facade.Detach()
	inst.cancel()
	inst.machine.Stop()
	m.frame.Store(nil)
}

// IsRunning reports whether a machine is running. The machine may halt on its
// own, so its state is checked as well as the manager's.
func (m *Manager) IsRunning() bool {
	if !m.running.Load() {
		return false
	}
	m.mu.Lock()
	inst := m.current
	m.mu.Unlock()
	return inst != nil && !inst.machine.Stopped()
}

// Current describes the running session.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	inst := m.current
	m.mu.Unlock()
	if inst == nil || !m.IsRunning() {
		return Info{}, false
	}
	info := inst.info
	info.Width = int(inst.width.Load())
	info.Height = int(inst.height.Load())
	return info, true
}

// Done returns a channel closed when the current machine's goroutine exits,
// or nil if there is no machine.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.done
}

// LatestFrame returns the most recent frame of the running machine, or nil.
// Readers never block and may see a frame that has since been replaced.
func (m *Manager) LatestFrame() *Frame {
	f := m.frame.Load()
	if f == nil || !m.IsRunning() {
		return nil
	}
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if f.owner != current {
		return nil
	}
	return f
}

// GetFrame returns the latest RGBA pixels, or nil when nothing is running or
// no frame exists yet. frameIndex is ignored; frames are latest-wins. When
// width and height differ from the native size the native frame is still
// returned and the caller resamples it.
func (m *Manager) GetFrame(frameIndex, width, height int) []uint32 {
	f := m.LatestFrame()
	if f == nil {
		return nil
	}
	return f.Pixels
}
