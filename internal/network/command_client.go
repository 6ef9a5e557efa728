package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"mapkvm/internal/protocol"
)

// CommandClient runs operator commands against a host over its WebSocket.
type CommandClient struct {
	hostAddr string
	token    string
	actor    string
	conn     *websocket.Conn
}

// NewCommandClient creates a client. actor may be empty for commands that
// do not act on a joined actor.
func NewCommandClient(hostAddr, token, actor string) *CommandClient {
	return &CommandClient{hostAddr: hostAddr, token: token, actor: actor}
}

// Connect dials the host and authenticates.
func (c *CommandClient) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.hostAddr, Path: "/ws"}
	log.Printf("WS Client: Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u.String(), err)
	}
	c.conn = conn

	return c.write(protocol.Message{
		Type: protocol.TypeAuth,
		Payload: protocol.AuthPayload{
			Token:         c.token,
			Actor:         c.actor,
			ClientVersion: "mapkvm-cli",
		},
	})
}

// Exec sends one command line and waits for its result.
func (c *CommandClient) Exec(ctx context.Context, line string, pos *protocol.Vec) (*protocol.CommandResultPayload, error) {
	if c.conn == nil {
		return nil, errors.New("not connected")
	}
	if err := c.write(protocol.Message{
		Type:    protocol.TypeCommand,
		Payload: protocol.CommandPayload{Line: line, Position: pos},
	}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var env struct {
			Type    protocol.MessageType `json:"type"`
			Payload json.RawMessage      `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("WS Client: Invalid message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeCommandResult:
			var res protocol.CommandResultPayload
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				return nil, err
			}
			return &res, nil
		case protocol.TypeError:
			var e protocol.ErrorPayload
			json.Unmarshal(env.Payload, &e)
			return nil, errors.New(e.Message)
		}
	}
}

func (c *CommandClient) write(msg protocol.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection.
func (c *CommandClient) Close() {
	if c.conn == nil {
		return
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
	c.conn = nil
}
