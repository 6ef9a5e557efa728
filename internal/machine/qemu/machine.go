// Package qemu runs a QEMU i386 guest as a session.Machine. Input is injected
// and the screen read back over the QEMU Machine Protocol.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"mapkvm/internal/device"
	"mapkvm/internal/session"
)

var (
	// ErrNotConnected is returned for input sent before QMP is up
	ErrNotConnected = errors.New("qemu not connected")

	// ErrNoMedia is returned when Run is called with no image attached
	ErrNoMedia = errors.New("no boot media attached")
)

// Options configures how QEMU is launched.
type Options struct {
	Binary    string
	ExtraArgs []string
	// FramePoll is the screendump interval.
	FramePoll time.Duration
	// StartWait bounds how long QMP may take to come up.
	StartWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "qemu-system-i386"
	}
	if o.FramePoll <= 0 {
		o.FramePoll = 33 * time.Millisecond
	}
	if o.StartWait <= 0 {
		o.StartWait = 10 * time.Second
	}
	return o
}

// NewFactory returns a session.Factory that launches QEMU with opts.
func NewFactory(opts Options) session.Factory {
	return func(ramMB int, display session.Display) (session.Machine, error) {
		return New(opts, ramMB, display)
	}
}

// Machine is one QEMU process.
type Machine struct {
	opts    Options
	ram     int
	display session.Display

	mu    sync.Mutex
	media map[session.Medium]string
	qmp   *qmpClient

	stopped   chan struct{}
	closeOnce sync.Once

	// screen state, owned by Run's goroutine
	fb            []uint32
	scratch       []uint32
	width, height int
	dumpFailures  int
}

// New checks that the QEMU binary exists and prepares a machine.
func New(opts Options, ramMB int, display session.Display) (*Machine, error) {
	opts = opts.withDefaults()
	if _, err := exec.LookPath(opts.Binary); err != nil {
		return nil, fmt.Errorf("qemu binary %q: %w", opts.Binary, err)
	}
	return newMachine(opts, ramMB, display), nil
}

func newMachine(opts Options, ramMB int, display session.Display) *Machine {
	return &Machine{
		opts:    opts,
		ram:     ramMB,
		display: display,
		media:   make(map[session.Medium]string),
		stopped: make(chan struct{}),
	}
}

// Configuration lists the IDE and floppy slots.
func (m *Machine) Configuration() []session.ConfigEntry {
	var entries []session.ConfigEntry
	for _, med := range []session.Medium{session.Disk, session.Optical, session.Floppy} {
		med := med
		cat, label := med.Slot()
		entries = append(entries, session.ConfigEntry{
			Category: cat,
			Label:    label,
			Set: func(path string) error {
				m.mu.Lock()
				defer m.mu.Unlock()
				m.media[med] = path
				return nil
			},
		})
	}
	return entries
}

// args builds the QEMU command line.
func (m *Machine) args(qmpSocket string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := []string{
		"-m", strconv.Itoa(m.ram),
		"-display", "none",
		"-qmp", "unix:" + qmpSocket + ",server=on,wait=off",
	}

	boot := ""
	if p, ok := m.media[session.Optical]; ok {
		args = append(args, "-cdrom", p)
		boot += "d"
	}
	if p, ok := m.media[session.Disk]; ok {
		args = append(args, "-drive", "file="+p+",if=ide,index=0,media=disk,format=raw")
		boot += "c"
	}
	if p, ok := m.media[session.Floppy]; ok {
		args = append(args, "-drive", "file="+p+",if=floppy,index=0,format=raw")
		boot += "a"
	}
	if boot == "" {
		return nil, ErrNoMedia
	}
	args = append(args, "-boot", "order="+boot)
	return append(args, m.opts.ExtraArgs...), nil
}

// Run launches QEMU and polls its screen until ctx is done, Stop is called
// or the process exits.
func (m *Machine) Run(ctx context.Context) error {
	defer m.markStopped()

	dir, err := os.MkdirTemp("", "mapkvm-qemu-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	sock := filepath.Join(dir, "qmp.sock")
	args, err := m.args(sock)
	if err != nil {
		return err
	}

	cmd := exec.Command(m.opts.Binary, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start qemu: %w", err)
	}
	log.Printf("QEMU: Started pid %d with %dMB RAM", cmd.Process.Pid, m.ram)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	q, err := dialQMP("unix", sock, m.opts.StartWait)
	if err != nil {
		cmd.Process.Kill()
		<-exited
		return err
	}
	m.mu.Lock()
	m.qmp = q
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.qmp = nil
		m.mu.Unlock()
		q.close()
	}()

	dump := filepath.Join(dir, "screen.ppm")
	ticker := time.NewTicker(m.opts.FramePoll)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("qemu exited: %w", err)
			}
			log.Printf("QEMU: Guest powered off")
			return nil
		case <-ctx.Done():
			m.shutdown(q, cmd, exited)
			return nil
		case <-m.stopped:
			m.shutdown(q, cmd, exited)
			return nil
		case <-ticker.C:
			if q.isBroken() {
				cmd.Process.Kill()
				<-exited
				return ErrQMPBroken
			}
			m.poll(q, dump)
		}
	}
}

func (m *Machine) shutdown(q *qmpClient, cmd *exec.Cmd, exited <-chan error) {
	if _, err := q.execute("quit", nil); err != nil {
		log.Printf("QEMU: quit failed: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		log.Printf("QEMU: Killing pid %d", cmd.Process.Pid)
		cmd.Process.Kill()
		<-exited
	}
}

// poll takes one screendump and hands it to the display.
func (m *Machine) poll(q *qmpClient, path string) {
	if _, err := q.execute("screendump", map[string]string{"filename": path}); err != nil {
		m.dumpFailed(err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		m.dumpFailed(err)
		return
	}
	defer f.Close()

	pixels, w, h, err := decodePPM(f, m.scratch)
	if err != nil {
		m.dumpFailed(err)
		return
	}
	m.scratch = pixels
	m.dumpFailures = 0
	m.present(pixels, w, h)
}

// present copies pixels into the framebuffer, re-initializing the display
// when the guest changes video mode.
func (m *Machine) present(pixels []uint32, w, h int) {
	if w != m.width || h != m.height || m.fb == nil {
		m.width, m.height = w, h
		m.fb = make([]uint32, w*h)
		log.Printf("QEMU: Display is %dx%d", w, h)
		m.display.OnInit(m.fb, w, h)
	}
	copy(m.fb, pixels)
	m.display.OnRedraw()
}

func (m *Machine) dumpFailed(err error) {
	m.dumpFailures++
	if m.dumpFailures == 1 {
		log.Printf("QEMU: Screendump failed: %v", err)
	}
}

func (m *Machine) client() (*qmpClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.qmp == nil || m.qmp.isBroken() {
		return nil, ErrNotConnected
	}
	return m.qmp, nil
}

func (m *Machine) markStopped() {
	m.closeOnce.Do(func() { close(m.stopped) })
}

// Stop asks QEMU to quit. Run returns once the process is gone.
func (m *Machine) Stop() {
	m.markStopped()
}

// Stopped reports whether the machine halted or was stopped.
func (m *Machine) Stopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

// Keyboard returns the QMP keyboard.
func (m *Machine) Keyboard() device.Keyboard { return keyboard{m} }

// Mouse returns the QMP relative mouse.
func (m *Machine) Mouse() device.Mouse { return mouse{m} }

type keyboard struct{ m *Machine }

func (k keyboard) send(code uint16, down bool) error {
	q, err := k.m.client()
	if err != nil {
		return err
	}
	_, err = q.execute("input-send-event", keyArgs(code, down))
	return err
}

func (k keyboard) PressKey(code uint16) error   { return k.send(code, true) }
func (k keyboard) ReleaseKey(code uint16) error { return k.send(code, false) }

// SendCtrlAltDelete delivers the chord as a single send-key.
func (k keyboard) SendCtrlAltDelete() error {
	q, err := k.m.client()
	if err != nil {
		return err
	}
	_, err = q.execute("send-key", ctrlAltDeleteArgs())
	return err
}

type mouse struct{ m *Machine }

func (ms mouse) MoveBy(dx, dy int) error {
	if dx == 0 && dy == 0 {
		return nil
	}
	q, err := ms.m.client()
	if err != nil {
		return err
	}
	_, err = q.execute("input-send-event", moveArgs(dx, dy))
	return err
}

func (ms mouse) SetButton(index int, pressed bool) error {
	args, err := buttonArgs(index, pressed)
	if err != nil {
		return err
	}
	q, err := ms.m.client()
	if err != nil {
		return err
	}
	_, err = q.execute("input-send-event", args)
	return err
}
