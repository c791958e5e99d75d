package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const closeTimeout = time.Second

// frame is one inbound message, or the read error that ended a connection.
type frame struct {
	epoch      uint64
	data       []byte
	receivedAt time.Time
	err        error
}

// startDial begins a connect attempt off the loop. The result comes back
// through ops tagged with the attempt's epoch.
func (s *Supervisor) startDial() {
	s.setState(StateConnecting)
	s.epoch++
	epoch := s.epoch

	header, err := s.cfg.header()
	if err != nil {
		s.onDialed(epoch, nil, fmt.Errorf("build headers: %w", err))
		return
	}

	ctx := s.runCtx
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()

		conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, header)
		if err != nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, s.cfg.ConnectTimeout, err)
		}

		select {
		case s.ops <- func() { s.onDialed(epoch, conn, err) }:
		case <-s.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (s *Supervisor) onDialed(epoch uint64, conn *websocket.Conn, err error) {
	if epoch != s.epoch || s.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.logger.Warn("connect attempt failed", "error", err)
		s.notify(Notice{Kind: NoticeReconnectError, State: s.state, Err: err})
		s.resolveWaiters(err)
		s.scheduleReconnect(err)
		return
	}
	s.onOpen(conn)
}

// startConn starts the reader and keepalive goroutines for conn.
func (s *Supervisor) startConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.conn = conn
	s.connCancel = cancel

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	go s.readLoop(ctx, s.epoch, conn)
	go s.keepalive(ctx, conn, pongs)
}

// dropConn closes the current connection, if any.
func (s *Supervisor) dropConn() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout),
	)
	_ = s.conn.Close()
	s.conn = nil
}

// readLoop forwards every message of conn to the loop and finally the error
// that ended it.
func (s *Supervisor) readLoop(ctx context.Context, epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		f := frame{epoch: epoch, data: data, receivedAt: time.Now(), err: err}

		select {
		case s.inbound <- f:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// keepalive pings every PingInterval and closes conn when a pong does not
// arrive within PingTimeout. The reader then reports the close.
func (s *Supervisor) keepalive(ctx context.Context, conn *websocket.Conn, pongs <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain a pong left over from the previous round.
		select {
		case <-pongs:
		default:
		}

		deadline := time.Now().Add(s.cfg.WriteTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.logger.Warn("failed to send ping", "error", err)
			conn.Close()
			return
		}

		timer := time.NewTimer(s.cfg.PingTimeout)
		select {
		case <-pongs:
			timer.Stop()
		case <-timer.C:
			s.logger.Warn("pong not received, closing connection", "timeout", s.cfg.PingTimeout)
			conn.Close()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Supervisor) handleFrame(f frame) {
	if f.epoch != s.epoch || s.state != StateConnected {
		return
	}
	if f.err != nil {
		s.logger.Warn("connection closed", "error", f.err)
		s.onClosed(f.err)
		return
	}

	events, err := s.adapter.Classify(f.data, f.receivedAt)
	if err != nil {
		s.metrics.protocolErrors.Inc()
		s.logger.Debug("ignoring unparseable frame content", "error", err, "size", len(f.data))
		s.notify(Notice{Kind: NoticeProtocolError, State: s.state, Err: err})
	}
	for _, ev := range events {
		s.handleEvent(ev)
	}
}

// send writes data now or queues it for the next open.
func (s *Supervisor) send(data []byte) {
	if s.state != StateConnected || s.conn == nil {
		s.outbox = append(s.outbox, data)
		return
	}
	s.write(data)
}

func (s *Supervisor) write(data []byte) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The reader sees the broken connection and starts the close path.
		s.logger.Warn("write failed", "error", err)
		s.conn.Close()
	}
}

func (s *Supervisor) flushOutbox() {
	queued := s.outbox
	s.outbox = nil
	for _, data := range queued {
		s.write(data)
	}
	if len(queued) > 0 {
		s.logger.Debug("flushed queued frames", "count", len(queued))
	}
}
