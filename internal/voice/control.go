package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/metrics"
)

const controlWriteTimeout = 5 * time.Second

// Conn is an indirection over *websocket.Conn to ease testing.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the control connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ControlChannel speaks the voice control protocol over a message connection.
// Writes are serialized; reads belong to the single Receive loop.
type ControlChannel struct {
	logger  *zap.Logger
	metrics *metrics.Voice
	conn    Conn

	writeMu sync.Mutex

	// unix nanos of the last heartbeat, for RTT on ack
	lastHeartbeat atomic.Int64

	closeOnce sync.Once
}

// NewControlChannel wraps an open connection.
func NewControlChannel(conn Conn, logger *zap.Logger, m *metrics.Voice) *ControlChannel {
	return &ControlChannel{
		logger:  logger,
		metrics: m,
		conn:    conn,
	}
}

func (c *ControlChannel) send(op Opcode, data any) error {
	b, err := EncodeCommand(op, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write op %d: %w", op, err)
	}

	return nil
}

// Identify sends op 0.
func (c *ControlChannel) Identify(data IdentifyData) error {
	c.logger.Debug("Sending identify",
		zap.Stringer("server_id", data.ServerID),
		zap.Stringer("user_id", data.UserID))

	return c.send(OpIdentify, data)
}

// SelectProtocol sends op 1 with the discovered address.
func (c *ControlChannel) SelectProtocol(addr DiscoveredAddress, mode string) error {
	c.logger.Debug("Selecting protocol",
		zap.String("address", addr.IP),
		zap.Uint16("port", addr.Port),
		zap.String("mode", mode))

	return c.send(OpSelectProtocol, SelectProtocolData{
		Protocol: ProtocolUDP,
		Data: ProtocolAddress{
			Address: addr.IP,
			Port:    addr.Port,
			Mode:    mode,
		},
	})
}

// Heartbeat sends op 3 with a null payload. The send time is kept for RTT.
func (c *ControlChannel) Heartbeat() error {
	now := time.Now()
	c.logger.Debug("Sending heartbeat", zap.Int64("at_ms", now.UnixMilli()))

	if err := c.send(OpHeartbeat, nil); err != nil {
		return err
	}

	c.lastHeartbeat.Store(now.UnixNano())
	c.metrics.HeartbeatSent()

	return nil
}

// Speaking sends op 5.
func (c *ControlChannel) Speaking(speaking bool, ssrc uint32) error {
	return c.send(OpSpeaking, SpeakingData{
		Speaking: speaking,
		Delay:    0,
		SSRC:     ssrc,
	})
}

// RunHeartbeat sends a heartbeat every interval until ctx is done. A failed
// send is returned as ErrControlChannelLost and ends the loop.
func (c *ControlChannel) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %s", interval)
	}

	c.logger.Debug("Starting heartbeat", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("%w: heartbeat: %w", ErrControlChannelLost, err)
			}
		}
	}
}

// Receive reads and classifies messages until the connection fails or ctx is
// done, handing every recognized payload to handle. Undecodable messages are
// logged and skipped.
func (c *ControlChannel) Receive(ctx context.Context, handle func(op Opcode, payload any)) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("%w: %w", ErrControlChannelLost, err)
		}

		op, payload, err := DecodeEvent(raw)
		if err != nil {
			c.logger.Warn("Dropping undecodable control message", zap.Error(err))

			continue
		}

		if _, ok := payload.(HeartbeatAck); ok {
			c.observeAck()
		}

		if payload == nil {
			c.logger.Debug("Ignoring control message", zap.Int("op", int(op)))

			continue
		}

		handle(op, payload)
	}
}

func (c *ControlChannel) observeAck() {
	sent := c.lastHeartbeat.Load()
	if sent == 0 {
		return
	}

	rtt := time.Since(time.Unix(0, sent))
	c.metrics.HeartbeatAcked(rtt)
	c.logger.Debug("Heartbeat acknowledged", zap.Duration("rtt", rtt))
}

// Close sends a close frame and closes the connection. Safe to call more than once.
func (c *ControlChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})

	return err
}
