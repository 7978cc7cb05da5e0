package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sandboxrt/hostd/core"
)

const (
	minHeartbeat    = 10 * time.Second
	initialBackoff  = 1 * time.Second
	maxBackoff      = 60 * time.Second
	writeDeadline   = 10 * time.Second
)

// runWSClient owns an agent's single outbound WebSocket connection. It
// reconnects with doubling backoff (capped at 60s) when ws.Reconnect is
// set, and otherwise returns after the connection closes once.
func (s *Supervisor) runWSClient(ctx context.Context, agent core.ID, ws core.WSConfig) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		ok := s.runWSSession(ctx, agent, ws)
		if !ws.Reconnect || ctx.Err() != nil {
			return
		}
		if ok {
			backoff = initialBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runWSSession runs one connection attempt to completion: connect, open
// callback, a select over heartbeat/outbox/inbound frames (no priority
// order: Go picks at random among ready cases), and the
// matching close/error callback. Returns true if the session ran long
// enough to be considered healthy (used to decide whether to reset
// backoff).
func (s *Supervisor) runWSSession(ctx context.Context, agent core.ID, ws core.WSConfig) bool {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ws.URL, nil)
	if err != nil {
		s.emit(OutputEvent{Agent: agent, Kind: EventWSError, Err: err})
		return false
	}
	defer conn.Close()

	outbox := make(chan []byte, 64)
	send := func(frame []byte) error {
		select {
		case outbox <- frame:
			return nil
		default:
			return fmt.Errorf("agent %s: outbox full", agent)
		}
	}

	if err := s.rt.OnWSOpen(agent, send); err != nil {
		s.emit(OutputEvent{Agent: agent, Kind: EventWSError, Err: err})
		return false
	}
	s.emit(OutputEvent{Agent: agent, Kind: EventWSOpen})

	pingEvery := minHeartbeat
	if d := time.Duration(ws.PingIntervalSec) * time.Second; d > pingEvery {
		pingEvery = d
	}
	heartbeat := time.NewTicker(pingEvery)
	defer heartbeat.Stop()

	inbound := make(chan []byte, 16)
	inboundErr := make(chan error, 1)
	inboundClosed := make(chan struct{})
	go func() {
		defer close(inboundClosed)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				inboundErr <- err
				return
			}
			if msgType == websocket.PongMessage {
				continue
			}
			inbound <- data
		}
	}()

	sessionStart := time.Now()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeDeadline))
			return time.Since(sessionStart) > pingEvery

		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				s.emit(OutputEvent{Agent: agent, Kind: EventWSError, Err: err})
				_ = s.rt.OnWSError(agent, err.Error(), send)
				return time.Since(sessionStart) > pingEvery
			}

		case frame := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.emit(OutputEvent{Agent: agent, Kind: EventWSError, Err: err})
				_ = s.rt.OnWSError(agent, err.Error(), send)
				return time.Since(sessionStart) > pingEvery
			}

		case data := <-inbound:
			if err := s.rt.OnWSMessage(agent, data, send); err != nil {
				s.emit(OutputEvent{Agent: agent, Kind: EventWSError, Err: err})
			} else {
				s.emit(OutputEvent{Agent: agent, Kind: EventWSMessage})
			}

		case err := <-inboundErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				_ = s.rt.OnWSClose(agent)
				s.emit(OutputEvent{Agent: agent, Kind: EventWSClose})
			} else {
				_ = s.rt.OnWSError(agent, err.Error(), send)
				s.emit(OutputEvent{Agent: agent, Kind: EventWSError, Err: err})
			}
			return time.Since(sessionStart) > pingEvery

		case <-inboundClosed:
			return time.Since(sessionStart) > pingEvery
		}
	}
}
