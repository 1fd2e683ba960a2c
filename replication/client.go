// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the connection lifecycle of the replication client.
type State int32

const (
	StateDisconnected State = iota
	StateResolving
	StateConnected
	StateNamed
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnected:
		return "connected"
	case StateNamed:
		return "named"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	pingInterval = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// ProtocolError is a fatal ERROR command received from the server. The
// connection is unusable once one arrives.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("replication protocol error: %s", e.Message)
}

type subscription struct {
	position string
	handler  UpdateHandler
}

// Client is a long-lived TCP client for the line-based replication protocol.
// It demultiplexes logical streams, reassembles batched RDATA row groups and
// tracks the last seen position per stream so a reconnect resumes where the
// previous session left off.
type Client struct {
	addr       string
	clientName string

	state atomic.Int32

	mu           sync.Mutex
	subs         map[string]*subscription
	pending      map[string][]json.RawMessage
	serverName   string
	sessionReady bool

	writeMu sync.Mutex
	conn    net.Conn
}

func NewClient(host string, port int, clientName string) *Client {
	return &Client{
		addr:       net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		clientName: clientName,
		subs:       map[string]*subscription{},
		pending:    map[string][]json.RawMessage{},
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// ServerName returns the identifier the remote announced with SERVER, if the
// client has seen one yet.
func (c *Client) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

// Subscribe registers a handler for a logical stream. Position "-1" means
// latest. If the client is already ready the REPLICATE command is sent
// immediately, otherwise it is replayed when the connection becomes ready.
func (c *Client) Subscribe(stream, position string, handler UpdateHandler) {
	c.mu.Lock()
	c.subs[stream] = &subscription{position: position, handler: handler}
	c.mu.Unlock()
	if c.State() == StateReady {
		c.writeLine("REPLICATE", stream, position)
	}
}

// Run connects and processes commands until the context is cancelled, the
// socket fails or the server sends ERROR. The caller owns reconnection.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.sessionReady = false
	c.pending = map[string][]json.RawMessage{}
	c.mu.Unlock()

	c.setState(StateResolving)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dialing replication at %s: %w", c.addr, err)
	}
	c.setState(StateConnected)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	// Cancellation unblocks the reader by closing the socket.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := c.writeLine("NAME", c.clientName); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateNamed)

	reader := NewLineReader(conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replication read: %w", err)
		}
		if c.State() != StateReady {
			c.becomeReady(done)
		}
		if err := c.handleLine(ctx, line); err != nil {
			c.setState(StateDisconnected)
			return err
		}
	}
}

// becomeReady runs on the first server message: replay subscriptions and
// start the keepalive timer, which only runs in the ready state.
func (c *Client) becomeReady(done <-chan struct{}) {
	c.setState(StateReady)
	c.mu.Lock()
	c.sessionReady = true
	streams := make(map[string]string, len(c.subs))
	for name, sub := range c.subs {
		streams[name] = sub.position
	}
	c.mu.Unlock()
	for name, position := range streams {
		c.writeLine("REPLICATE", name, position)
	}

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.writeLine("PING", uuid.NewString()); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Client) handleLine(ctx context.Context, line string) error {
	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "SERVER":
		c.mu.Lock()
		c.serverName = rest
		c.mu.Unlock()
	case "PING":
		// Server-side keepalive, nothing to do.
	case "RDATA":
		return c.handleRData(ctx, rest)
	case "POSITION":
		stream, position, ok := strings.Cut(rest, " ")
		if !ok {
			log.WithField("line", line).Error("Malformed POSITION command")
			return nil
		}
		c.deliver(ctx, stream, position, nil)
	case "ERROR":
		return &ProtocolError{Message: rest}
	default:
		log.WithField("command", verb).Warn("Unknown replication command")
	}
	return nil
}

// handleRData appends one row to the stream's pending buffer. The reserved
// "batch" token leaves the group open; any other token closes it, delivering
// the buffered rows as a single update at the new position.
func (c *Client) handleRData(ctx context.Context, rest string) error {
	stream, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return &ProtocolError{Message: "RDATA missing position"}
	}
	position, row, ok := strings.Cut(rest, " ")
	if !ok {
		return &ProtocolError{Message: "RDATA missing row"}
	}

	c.mu.Lock()
	c.pending[stream] = append(c.pending[stream], json.RawMessage(row))
	if position == BatchToken {
		c.mu.Unlock()
		return nil
	}
	rows := c.pending[stream]
	delete(c.pending, stream)
	c.mu.Unlock()

	c.deliver(ctx, stream, position, rows)
	return nil
}

func (c *Client) deliver(ctx context.Context, stream, position string, rows []json.RawMessage) {
	c.mu.Lock()
	sub := c.subs[stream]
	if sub != nil {
		sub.position = position
	}
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.handler(ctx, StreamUpdate{Stream: stream, Position: position, Rows: rows})
}

func (c *Client) writeLine(fields ...string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("replication client not connected")
	}
	_, err := fmt.Fprintf(c.conn, "%s\n", strings.Join(fields, " "))
	return err
}

func (c *Client) wasReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionReady
}
