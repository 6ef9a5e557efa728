package qemu

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrQMP is returned when QEMU answers a command with an error.
	ErrQMP = errors.New("qmp error")
	// ErrQMPBroken is returned once the connection lost sync with QEMU
	ErrQMPBroken = errors.New("qmp connection broken")
)

// qmpClient speaks the QEMU Machine Protocol over one connection. Commands
// are serialized; asynchronous events are skipped.
type qmpClient struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	// broken is set after a failed write or read; replies can no longer
	// be matched to commands.
	broken atomic.Bool
}

type qmpCommand struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

// dialQMP connects to a QMP socket, retrying until it appears or the
// deadline passes, and negotiates capabilities.
func dialQMP(network, addr string, wait time.Duration) (*qmpClient, error) {
	deadline := time.Now().Add(wait)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout(network, addr, time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("qmp connect %s: %w", addr, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	c := newQMPClient(conn)
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newQMPClient(conn net.Conn) *qmpClient {
	return &qmpClient{conn: conn, r: bufio.NewReader(conn), timeout: 5 * time.Second}
}

func (c *qmpClient) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("qmp greeting: %w", err)
	}
	if !gjson.GetBytes(line, "QMP").Exists() {
		return fmt.Errorf("qmp greeting: unexpected %q", line)
	}
	_, err = c.execute("qmp_capabilities", nil)
	return err
}

// execute runs one command and returns its "return" value.
func (c *qmpClient) execute(name string, args any) (gjson.Result, error) {
	data, err := json.Marshal(qmpCommand{Execute: name, Arguments: args})
	if err != nil {
		return gjson.Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken.Load() {
		return gjson.Result{}, ErrQMPBroken
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.breakLocked()
		return gjson.Result{}, fmt.Errorf("qmp %s: %w", name, err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			c.breakLocked()
			return gjson.Result{}, fmt.Errorf("qmp %s: %w", name, err)
		}
		if ret := gjson.GetBytes(line, "return"); ret.Exists() {
			return ret, nil
		}
		if e := gjson.GetBytes(line, "error"); e.Exists() {
			return gjson.Result{}, fmt.Errorf("%w: %s: %s: %s", ErrQMP, name, e.Get("class").String(), e.Get("desc").String())
		}
		// "event" lines
	}
}

// breakLocked closes a connection whose next line may answer an earlier
// command.
func (c *qmpClient) breakLocked() {
	if c.broken.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// isBroken reports whether the client can still be used.
func (c *qmpClient) isBroken() bool {
	return c.broken.Load()
}

func (c *qmpClient) close() error {
	return c.conn.Close()
}

// Event builders for input-send-event.

type inputEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type keyValue struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type keyEvent struct {
	Down bool     `json:"down"`
	Key  keyValue `json:"key"`
}

type btnEvent struct {
	Down   bool   `json:"down"`
	Button string `json:"button"`
}

type moveEvent struct {
	Axis  string `json:"axis"`
	Value int    `json:"value"`
}

type inputArgs struct {
	Events []inputEvent `json:"events"`
}

// keyArgs presses or releases one key by its XT scancode. Extended keys carry
// 0x80 in the code, matching QEMU's numeric key encoding.
func keyArgs(code uint16, down bool) inputArgs {
	return inputArgs{Events: []inputEvent{{
		Type: "key",
		Data: keyEvent{Down: down, Key: keyValue{Type: "number", Data: int(code)}},
	}}}
}

var buttonNames = [...]string{"left", "middle", "right"}

func buttonArgs(index int, down bool) (inputArgs, error) {
	if index < 0 || index >= len(buttonNames) {
		return inputArgs{}, fmt.Errorf("unknown mouse button %d", index)
	}
	return inputArgs{Events: []inputEvent{{
		Type: "btn",
		Data: btnEvent{Down: down, Button: buttonNames[index]},
	}}}, nil
}

func moveArgs(dx, dy int) inputArgs {
	var evs []inputEvent
	if dx != 0 {
		evs = append(evs, inputEvent{Type: "rel", Data: moveEvent{Axis: "x", Value: dx}})
	}
	if dy != 0 {
		evs = append(evs, inputEvent{Type: "rel", Data: moveEvent{Axis: "y", Value: dy}})
	}
	return inputArgs{Events: evs}
}

type sendKeyArgs struct {
	Keys []keyValue `json:"keys"`
}

func ctrlAltDeleteArgs() sendKeyArgs {
	return sendKeyArgs{Keys: []keyValue{
		{Type: "qcode", Data: "ctrl"},
		{Type: "qcode", Data: "alt"},
		{Type: "qcode", Data: "delete"},
	}}
}
