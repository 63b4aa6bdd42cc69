// Package gateway maintains the WebSocket connection to the chat platform:
// it performs the hello/identify handshake, keeps the session alive with
// heartbeats, and turns MESSAGE_CREATE dispatches into decoded message events
// for the moderation pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sentinel/modbot/internal/metrics"
	"github.com/sentinel/modbot/internal/protocol"
	"github.com/sentinel/modbot/internal/store"
)

// DefaultURL is the platform gateway endpoint.
const DefaultURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Message is a decoded new-message event delivered to the OnMessage callback.
type Message struct {
	ID        uint64
	ChannelID uint64
	AuthorID  uint64
	Author    string
	Content   string
	Timestamp int64 // unix seconds
}

// Record converts the event into a context store record awaiting
// classification.
func (m Message) Record() store.Record {
	return store.Record{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		Status:    store.StatusNotValidated,
		Timestamp: m.Timestamp,
	}
}

// Config holds gateway connection settings.
type Config struct {
	URL   string // gateway endpoint, defaults to DefaultURL
	Token string // bot token, required
}

// Client is the gateway connection. One Run call corresponds to one
// connection lifetime; reconnection policy belongs to the caller.
type Client struct {
	config    Config
	onMessage func(Message)

	writeMu sync.Mutex

	// Last seen dispatch sequence, echoed in heartbeats. seqSet
	// distinguishes "no dispatch yet" (heartbeat carries null) from a
	// genuine sequence of zero.
	seq    atomic.Int64
	seqSet atomic.Bool
}

// New validates the config and returns a client. onMessage is invoked from
// the read loop, one event at a time, so a slow handler applies natural
// backpressure on the connection.
func New(config Config, onMessage func(Message)) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("gateway: missing token")
	}
	if config.URL == "" {
		config.URL = DefaultURL
	}
	return &Client{config: config, onMessage: onMessage}, nil
}

// Run dials the gateway, performs the hello/identify handshake, starts the
// heartbeat loop, and reads dispatches until the connection fails or ctx is
// cancelled. It always returns a non-nil error.
func (c *Client) Run(ctx context.Context) error {
	conn, br, _, err := ws.DefaultDialer.Dial(ctx, c.config.URL)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", c.config.URL, err)
	}
	defer conn.Close()

	// Unblock the read loop when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The dialer may have read past the handshake; keep reading through
	// its buffered reader so no frame bytes are lost.
	var r io.Reader = conn
	if br != nil {
		r = br
	}

	// The first frame must be hello.
	first, err := c.readPayload(r)
	if err != nil {
		return fmt.Errorf("gateway: read hello: %w", err)
	}
	hello, err := first.DecodeHello()
	if err != nil {
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	log.Printf("[gateway] connected to %s (heartbeat every %s)", c.config.URL, interval)

	identify, err := protocol.NewIdentify(c.config.Token)
	if err != nil {
		return err
	}
	if err := c.writePayload(conn, identify); err != nil {
		return fmt.Errorf("gateway: send identify: %w", err)
	}

	metrics.GatewayConnected.Set(1)
	defer metrics.GatewayConnected.Set(0)

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeatLoop(hbCtx, conn, interval)

	for {
		header, reader, err := wsutil.NextReader(r, ws.StateClientSide)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway: read frame: %w", err)
		}

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if header.Length > 0 {
				if _, err := io.ReadFull(reader, payload); err != nil {
					return fmt.Errorf("gateway: read control frame: %w", err)
				}
			}
			switch header.OpCode {
			case ws.OpClose:
				return fmt.Errorf("gateway: connection closed by server")
			case ws.OpPing:
				if err := c.writePong(conn, payload); err != nil {
					return fmt.Errorf("gateway: send pong: %w", err)
				}
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return fmt.Errorf("gateway: read frame payload: %w", err)
			}
		}
		if len(data) == 0 {
			continue
		}

		var p protocol.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("[gateway] discarding undecodable frame: %v", err)
			continue
		}
		c.handlePayload(conn, p)
	}
}

// handlePayload tracks the dispatch sequence and routes the payload by
// opcode. Only MESSAGE_CREATE dispatches reach the message callback.
func (c *Client) handlePayload(w io.Writer, p protocol.Payload) {
	if p.S != nil {
		c.seq.Store(*p.S)
		c.seqSet.Store(true)
	}

	switch p.Op {
	case protocol.OpHeartbeatACK:
		// Keepalive acknowledged, nothing to do.

	case protocol.OpHeartbeat:
		// The gateway may request an immediate heartbeat.
		if err := c.sendHeartbeat(w); err != nil {
			log.Printf("[gateway] requested heartbeat failed: %v", err)
		}

	case protocol.OpDispatch:
		switch p.T {
		case protocol.EventReady:
			log.Printf("[gateway] session ready")
		case protocol.EventMessageCreate:
			mc, err := p.DecodeMessageCreate()
			if err != nil {
				log.Printf("[gateway] %v", err)
				metrics.MessagesTotal.WithLabelValues("dropped").Inc()
				return
			}
			msg, err := convertMessage(mc)
			if err != nil {
				log.Printf("[gateway] %v", err)
				metrics.MessagesTotal.WithLabelValues("dropped").Inc()
				return
			}
			if c.onMessage != nil {
				c.onMessage(msg)
			}
		default:
			log.Printf("[gateway] ignoring dispatch %s", p.T)
		}
	}
}

// heartbeatLoop sends heartbeats every interval. The first beat waits a
// random fraction of the interval, as the platform requires, to spread
// reconnect load.
func (c *Client) heartbeatLoop(ctx context.Context, w io.Writer, interval time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		if err := c.sendHeartbeat(w); err != nil {
			if ctx.Err() == nil {
				log.Printf("[gateway] heartbeat failed: %v", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Client) sendHeartbeat(w io.Writer) error {
	var seq *int64
	if c.seqSet.Load() {
		v := c.seq.Load()
		seq = &v
	}
	p, err := protocol.NewHeartbeat(seq)
	if err != nil {
		return err
	}
	return c.writePayload(w, p)
}

// readPayload reads exactly one data frame and decodes its envelope. Used
// only for the hello handshake, before the dispatch loop takes over.
func (c *Client) readPayload(r io.Reader) (protocol.Payload, error) {
	for {
		header, reader, err := wsutil.NextReader(r, ws.StateClientSide)
		if err != nil {
			return protocol.Payload{}, err
		}
		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return protocol.Payload{}, fmt.Errorf("connection closed during handshake")
			}
			_, _ = io.Copy(io.Discard, reader)
			continue
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return protocol.Payload{}, err
		}
		var p protocol.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return protocol.Payload{}, err
		}
		return p, nil
	}
}

// writePayload serializes one envelope and writes it as a single text frame.
// The mutex covers the whole frame write so heartbeats and dispatch replies
// never interleave on the wire.
func (c *Client) writePayload(w io.Writer, p protocol.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("gateway: marshal payload: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(w, data)
}

func (c *Client) writePong(w io.Writer, payload []byte) error {
	frame := ws.MaskFrameInPlace(ws.NewPongFrame(payload))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(w, frame)
}

// convertMessage parses the dispatch's snowflake ids and timestamp into the
// internal message form. A message with unparseable ids is dropped rather
// than stored with zero identity.
func convertMessage(mc protocol.MessageCreate) (Message, error) {
	id, err := strconv.ParseUint(mc.ID, 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("gateway: message id %q: %w", mc.ID, err)
	}
	channelID, err := strconv.ParseUint(mc.ChannelID, 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("gateway: channel id %q: %w", mc.ChannelID, err)
	}
	authorID, err := strconv.ParseUint(mc.Author.ID, 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("gateway: author id %q: %w", mc.Author.ID, err)
	}

	// The platform sends RFC 3339 timestamps; fall back to receipt time if
	// one is missing or malformed so ordering stays roughly correct.
	ts := time.Now().Unix()
	if mc.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, mc.Timestamp); err == nil {
			ts = parsed.Unix()
		}
	}

	return Message{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  authorID,
		Author:    mc.Author.Username,
		Content:   mc.Content,
		Timestamp: ts,
	}, nil
}
