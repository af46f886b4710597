package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
)

// WSSubscriber delivers snapshots as JSON text frames over a WebSocket.
//
// Only the hub's writer for this subscriber writes to the connection; Serve
// only reads from it.
type WSSubscriber struct {
	id   string
	conn *websocket.Conn
}

// NewWSSubscriber wraps an upgraded connection.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{id: uuid.NewString(), conn: conn}
}

func (s *WSSubscriber) ID() string { return s.id }

// Close closes the connection, which ends the Serve call reading from it.
func (s *WSSubscriber) Close() error { return s.conn.Close() }

// Send writes one snapshot, bounded by ctx's deadline.
func (s *WSSubscriber) Send(ctx context.Context, snap jobregistry.Snapshot) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultConfig().SendTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(snap)
}

// Serve subscribes conn to jobID and blocks until the peer disconnects or
// ctx ends. Inbound messages are ignored. The connection is closed on return.
func Serve(ctx context.Context, hub *Hub, jobID string, conn *websocket.Conn, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() { _ = conn.Close() }()

	sub := NewWSSubscriber(conn)
	if err := hub.Subscribe(ctx, jobID, sub); err != nil {
		if errors.Is(err, ErrUnknownJob) {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown job")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		return err
	}
	defer hub.Unsubscribe(jobID, sub.ID())

	logger.Debug("Stream client connected", zap.String("job_id", jobID), zap.String("subscriber_id", sub.ID()))

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			err = nil
		}
		logger.Debug("Stream client disconnected", zap.String("job_id", jobID), zap.String("subscriber_id", sub.ID()))
		return err
	}
}
