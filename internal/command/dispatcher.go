// Package command implements the operator command surface: parsing a command
// line and mapping it onto the session manager, driver and device facade.
package command

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/device"
	"mapkvm/internal/driver"
	"mapkvm/internal/keys"
	"mapkvm/internal/router"
	"mapkvm/internal/session"
)

// Level classifies a reply line for presentation.
type Level string

const (
	Info    Level = "info"
	Muted   Level = "muted"
	Success Level = "success"
	Error   Level = "error"
)

// Reply is one line of command output.
type Reply struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// Request is one command line issued by an operator or an actor.
type Request struct {
	// Actor identifies the caller for join/leave/profile. It may be empty.
	Actor string
	// Position is where the actor stands; used by join.
	Position mgl64.Vec3
	Line     string
}

// Result is the outcome of a command. Err is set when the command failed.
type Result struct {
	Replies []Reply
	Err     error
}

func (r *Result) add(level Level, format string, args ...any) {
	r.Replies = append(r.Replies, Reply{Level: level, Text: fmt.Sprintf(format, args...)})
}

func (r *Result) fail(err error, format string, args ...any) {
	r.Err = err
	r.add(Error, format, args...)
}

// Options tunes command behaviour.
type Options struct {
	CLIEnterDelay time.Duration
	MaxClicks     int
}

// Dispatcher executes command lines.
type Dispatcher struct {
	sessions *session.Manager
	facade   *device.Facade
	driver   *driver.Driver
	catalog  *Catalog
	opts     Options
}

// NewDispatcher wires a dispatcher to the core components.
func NewDispatcher(sessions *session.Manager, drv *driver.Driver, catalog *Catalog, opts Options) *Dispatcher {
	if opts.MaxClicks <= 0 {
		opts.MaxClicks = 10
	}
	return &Dispatcher{
		sessions: sessions,
		facade:   sessions.Facade(),
		driver:   drv,
		catalog:  catalog,
		opts:     opts,
	}
}

type handler func(d *Dispatcher, req Request, args string, res *Result)

type commandInfo struct {
	usage string
	help  string
	run   handler
	// needsMachine rejects the command while nothing is running.
	needsMachine bool
}

var commands map[string]commandInfo

// order is the help listing order.
var order = []string{"list", "start", "stop", "join", "leave", "status", "profile", "type", "key", "click", "mouse", "cli"}

func init() {
	commands = map[string]commandInfo{
		"list":    {usage: "list", help: "List available disk images", run: (*Dispatcher).list},
		"start":   {usage: "start <image>", help: "Start OS (e.g., win95, freedos)", run: (*Dispatcher).start},
		"stop":    {usage: "stop", help: "Stop the emulator", run: (*Dispatcher).stop},
		"join":    {usage: "join", help: "Join as player", run: (*Dispatcher).join, needsMachine: true},
		"leave":   {usage: "leave", help: "Leave session", run: (*Dispatcher).leave},
		"status":  {usage: "status", help: "Show status", run: (*Dispatcher).status},
		"profile": {usage: "profile <0-7>", help: "Select input mode", run: (*Dispatcher).profile},
		"type":    {usage: "type <text>", help: "Type text", run: (*Dispatcher).typeText, needsMachine: true},
		"key":     {usage: "key <key>", help: "Send key", run: (*Dispatcher).key, needsMachine: true},
		"click":   {usage: "click [times <n>]", help: "Left click (or n times)", run: (*Dispatcher).click, needsMachine: true},
		"mouse":   {usage: "mouse <x> <y>", help: "Move mouse", run: (*Dispatcher).mouse, needsMachine: true},
		"cli":     {usage: "cli <cmd>", help: "Run CLI command", run: (*Dispatcher).cli, needsMachine: true},
	}
}

// Execute runs one command line.
func (d *Dispatcher) Execute(req Request) Result {
	var res Result
	line := strings.TrimSpace(req.Line)
	name, args, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	if name == "" || name == "help" {
		d.help(&res)
		return res
	}
	cmd, ok := commands[name]
	if !ok {
		res.fail(ErrUnknownCommand, "Unknown command: %s", name)
		d.help(&res)
		return res
	}
	if cmd.needsMachine && !d.sessions.IsRunning() {
		res.fail(ErrNotRunning, "Emulator is not running!")
		return res
	}
	cmd.run(d, req, args, &res)
	if res.Err != nil {
		log.Printf("Command: %q from %q failed: %v", line, req.Actor, res.Err)
	}
	return res
}

func (d *Dispatcher) help(res *Result) {
	res.add(Info, "x86 Emulator Commands:")
	for _, name := range order {
		c := commands[name]
		res.add(Muted, "  %s - %s", c.usage, c.help)
	}
}

func (d *Dispatcher) list(req Request, args string, res *Result) {
	images, err := d.catalog.List()
	if err != nil {
		res.fail(err, "Could not read images: %v", err)
		return
	}
	if len(images) == 0 {
		res.fail(session.ErrImageNotFound, "No disk images found.")
		res.add(Muted, "Place .img or .iso files in: %s", d.catalog.Dir())
		return
	}
	res.add(Info, "Available disk images:")
	for _, img := range images {
		res.add(Muted, "  %s (%s, %dMB)", img.Name, img.Medium, img.SizeMB)
	}
}

func (d *Dispatcher) start(req Request, args string, res *Result) {
	if args == "" {
		res.fail(ErrUsage, "Usage: start <image>")
		return
	}
	if d.sessions.IsRunning() {
		res.fail(session.ErrAlreadyRunning, "Emulator is already running! Use stop first.")
		return
	}
	img, err := d.catalog.Resolve(args)
	if err != nil {
		res.fail(err, "Image not found: %s", args)
		res.add(Muted, "Place disk images in: %s", d.catalog.Dir())
		res.add(Muted, "Supported: .img (HDD), .iso (CD-ROM)")
		return
	}
	res.add(Info, "Starting %s (%s, %dMB RAM)...", img.Name, img.Medium, img.RAM)
	if err := d.sessions.Start(img.Path, img.Medium, img.RAM); err != nil {
		res.fail(err, "Failed to start emulator: %v", err)
		return
	}
	res.add(Success, "Emulator started!")
	res.add(Muted, "Use join to play.")
}

func (d *Dispatcher) stop(req Request, args string, res *Result) {
	if !d.sessions.IsRunning() {
		res.fail(ErrNotRunning, "Emulator is not running.")
		return
	}
	d.sessions.Stop()
	res.add(Success, "Emulator stopped.")
}

func (d *Dispatcher) join(req Request, args string, res *Result) {
	if req.Actor == "" {
		res.fail(ErrNoActor, "Only actors can join.")
		return
	}
	d.driver.Join(req.Actor, req.Position)
	res.add(Success, "Joined! Open your map to view.")
	res.add(Info, "Controls (change mode with profile 0-7):")
	for i, m := range router.Modes() {
		res.add(Muted, "  Profile %d: %s - %s", i, m.Name, m.Help)
	}
}

func (d *Dispatcher) leave(req Request, args string, res *Result) {
	if req.Actor == "" {
		res.fail(ErrNoActor, "Only actors can leave.")
		return
	}
	d.driver.Leave(req.Actor)
	res.add(Success, "Left emulator session.")
}

func (d *Dispatcher) profile(req Request, args string, res *Result) {
	if req.Actor == "" {
		res.fail(ErrNoActor, "Only actors have a profile.")
		return
	}
	p, err := strconv.Atoi(args)
	if err != nil {
		res.fail(ErrUsage, "Usage: profile <0-7>")
		return
	}
	if err := d.driver.SetProfile(req.Actor, p); err != nil {
		res.fail(err, "Cannot select profile %s: %v", args, err)
		return
	}
	m, _ := router.Lookup(p)
	res.add(Success, "Profile %d: %s", p, m.Name)
}

func (d *Dispatcher) status(req Request, args string, res *Result) {
	info, ok := d.sessions.Current()
	if !ok {
		res.add(Muted, "Emulator is not running.")
		return
	}
	st := d.facade.Snapshot()
	res.add(Info, "Emulator Status:")
	res.add(Muted, "  Running: Yes")
	res.add(Muted, "  Session: %s", info.ID)
	res.add(Muted, "  Image: %s (%s, %dMB)", info.Image, info.Medium, info.RAM)
	res.add(Muted, "  Uptime: %s", time.Since(info.StartedAt).Truncate(time.Second))
	res.add(Muted, "  Display: %dx%d", st.Width, st.Height)
	res.add(Muted, "  Mouse: (%d, %d)", st.X, st.Y)
	mods := "None"
	if names := st.ModifierNames(); len(names) > 0 {
		mods = strings.Join(names, " ")
	}
	res.add(Muted, "  Modifiers: %s", mods)
	res.add(Muted, "  Viewers: %d", len(d.driver.Actors()))
}

func (d *Dispatcher) typeText(req Request, args string, res *Result) {
	if args == "" {
		res.fail(ErrUsage, "Usage: type <text>")
		return
	}
	d.facade.TypeText(args)
	res.add(Success, "Typed: %s", args)
}

func (d *Dispatcher) key(req Request, args string, res *Result) {
	name := strings.ToUpper(args)
	if name == "" {
		res.fail(ErrUsage, "Usage: key <key>")
		return
	}
	if keys.IsCtrlAltDel(name) {
		d.facade.CtrlAltDelete()
		res.add(Success, "Sent Ctrl+Alt+Delete")
		return
	}
	k, ok := keys.Lookup(name)
	switch {
	case ok && k.IsModifier():
		m, _ := device.ModifierFor(k)
		held := d.facade.ToggleModifier(m)
		state := "Released"
		if held {
			state = "Held"
		}
		res.add(Info, "%s: %s", titleCase(k.String()), state)
		return
	case ok:
		d.facade.Tap(k)
	case len([]rune(name)) == 1 && d.facade.TypeText(strings.ToLower(args)) == 1:
	default:
		res.fail(ErrUnknownKey, "Unknown key: %s", name)
		res.add(Muted, "Available: ESC, ENTER, SPACE, TAB, F1-F12, UP/DOWN/LEFT/RIGHT")
		res.add(Muted, "          PAGEUP, PAGEDOWN, HOME, END, INSERT, DELETE")
		res.add(Muted, "          SHIFT, CTRL, ALT (toggles), CTRLALTDEL")
		return
	}
	res.add(Success, "Sent key: %s", name)
}

func (d *Dispatcher) click(req Request, args string, res *Result) {
	count := 1
	if args != "" {
		rest, ok := strings.CutPrefix(strings.ToLower(args), "times")
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if !ok || err != nil {
			res.fail(ErrUsage, "Usage: click [times <n>]")
			return
		}
		count = min(max(n, 1), d.opts.MaxClicks)
	}
	d.facade.ClickN(device.Primary, count)
	st := d.facade.Snapshot()
	if count == 1 {
		res.add(Success, "Clicked at (%d, %d)", st.X, st.Y)
		return
	}
	res.add(Success, "Clicked %d times at (%d, %d)", count, st.X, st.Y)
}

func (d *Dispatcher) mouse(req Request, args string, res *Result) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		res.fail(ErrUsage, "Usage: mouse <x> <y>")
		return
	}
	x, errX := strconv.Atoi(fields[0])
	y, errY := strconv.Atoi(fields[1])
	if err := errors.Join(errX, errY); err != nil {
		res.fail(ErrUsage, "Usage: mouse <x> <y>")
		return
	}
	d.facade.MoveTo(x, y)
	res.add(Success, "Mouse moved to (%d, %d)", x, y)
}

func (d *Dispatcher) cli(req Request, args string, res *Result) {
	if args == "" {
		res.fail(ErrUsage, "Usage: cli <cmd>")
		return
	}
	line := args
	if !strings.HasSuffix(line, ";") {
		line += ";"
	}
	d.facade.TypeText(line)
	d.facade.TapAfter(keys.Enter, d.opts.CLIEnterDelay)
	res.add(Success, "Executed: %s", line)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return s[:1] + strings.ToLower(s[1:])
}
