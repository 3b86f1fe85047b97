package voice_test

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Raikerian/go-discord-voice/internal/voice"
)

const (
	testSSRC     = 12345
	publicIP     = "203.0.113.5"
	publicPort   = 50000
	defaultModes = "xsalsa20_poly1305"
)

// discoveryReply70 builds the legacy reply: ssrc, null-terminated ip from
// byte 4, little-endian port in the last two bytes.
func discoveryReply70(ssrc uint32, ip string, port uint16) []byte {
	b := make([]byte, voice.DiscoveryPacketSize)
	binary.BigEndian.PutUint32(b, ssrc)
	copy(b[4:], ip)
	binary.LittleEndian.PutUint16(b[68:], port)

	return b
}

// discoveryReply74 builds the extended reply: type, length, ssrc, ip from
// byte 8, big-endian port in the last two bytes.
func discoveryReply74(ssrc uint32, ip string, port uint16) []byte {
	b := make([]byte, 74)
	binary.BigEndian.PutUint16(b[0:], 2)
	binary.BigEndian.PutUint16(b[2:], 70)
	binary.BigEndian.PutUint32(b[4:], ssrc)
	copy(b[8:], ip)
	binary.BigEndian.PutUint16(b[72:], port)

	return b
}

// mediaServer is a loopback UDP peer that answers discovery probes and
// collects media packets.
type mediaServer struct {
	conn *net.UDPConn

	// reply builds the discovery answer; nil means never answer.
	reply func(probe []byte) []byte

	mu      sync.Mutex
	probes  [][]byte
	packets []voice.MediaPacket
}

func newMediaServer(t *testing.T, reply func(probe []byte) []byte) *mediaServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	m := &mediaServer{conn: conn, reply: reply}
	t.Cleanup(func() { _ = conn.Close() })

	go m.serve()

	return m
}

func (m *mediaServer) serve() {
	buf := make([]byte, 2048)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b := append([]byte(nil), buf[:n]...)

		if n == voice.DiscoveryPacketSize && b[0] != 0x80 {
			m.mu.Lock()
			m.probes = append(m.probes, b)
			m.mu.Unlock()

			if m.reply != nil {
				_, _ = m.conn.WriteToUDP(m.reply(b), from)
			}

			continue
		}

		p, err := voice.ParsePacket(b)
		if err != nil {
			continue
		}

		m.mu.Lock()
		m.packets = append(m.packets, p)
		m.mu.Unlock()
	}
}

func (m *mediaServer) addr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

func (m *mediaServer) Probes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([][]byte(nil), m.probes...)
}

func (m *mediaServer) Packets() []voice.MediaPacket {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]voice.MediaPacket(nil), m.packets...)
}

// answerDiscovery replies with the legacy layout and a fixed public address.
func answerDiscovery(probe []byte) []byte {
	return discoveryReply70(binary.BigEndian.Uint32(probe), publicIP, publicPort)
}

type wireMessage struct {
	Op   voice.Opcode    `json:"op"`
	Data json.RawMessage `json:"d"`
}

type receivedMessage struct {
	Op voice.Opcode
	// ReadySent records whether Ready had been sent when the message arrived.
	ReadySent bool
	Data      json.RawMessage
	At        time.Time
}

// controlConfig scripts the fake control endpoint.
type controlConfig struct {
	// Ready payload; nil means never send Ready.
	ready *voice.ReadyData
	// hello is sent right after connect when positive.
	hello float64
	// descDelay postpones the session description.
	descDelay time.Duration
	// noDescription withholds the session description.
	noDescription bool
}

// controlServer is a fake voice control endpoint.
type controlServer struct {
	controlConfig
	server *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	readySent bool
	descSent  time.Time
	received  []receivedMessage
}

func newControlServer(t *testing.T, cfg controlConfig) *controlServer {
	t.Helper()

	c := &controlServer{controlConfig: cfg}

	upgrader := websocket.Upgrader{}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.serve(conn)
	}))
	t.Cleanup(c.server.Close)

	return c
}

func (c *controlServer) endpoint() string {
	return c.server.URL
}

func (c *controlServer) serve(conn *websocket.Conn) {
	defer conn.Close()

	if c.hello > 0 {
		c.write(voice.OpHello, voice.HelloData{HeartbeatInterval: c.hello})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		c.received = append(c.received, receivedMessage{
			Op:        msg.Op,
			ReadySent: c.readySent,
			Data:      msg.Data,
			At:        time.Now(),
		})
		c.mu.Unlock()

		switch msg.Op {
		case voice.OpIdentify:
			if c.ready != nil {
				c.mu.Lock()
				c.readySent = true
				c.mu.Unlock()
				c.write(voice.OpReady, c.ready)
			}
		case voice.OpSelectProtocol:
			if !c.noDescription {
				var sel voice.SelectProtocolData
				_ = json.Unmarshal(msg.Data, &sel)

				go func() {
					time.Sleep(c.descDelay)
					c.mu.Lock()
					c.descSent = time.Now()
					c.mu.Unlock()
					c.write(voice.OpSessionDescription, map[string]any{
						"mode":       sel.Data.Mode,
						"secret_key": make([]int, 32),
					})
				}()
			}
		case voice.OpHeartbeat:
			c.write(voice.OpHeartbeatAck, nil)
		}
	}
}

func (c *controlServer) write(op voice.Opcode, data any) {
	b, err := json.Marshal(map[string]any{"op": op, "d": data})
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, b)
	}
}

// drop closes the connection without a close handshake.
func (c *controlServer) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.UnderlyingConn().Close()
	}
}

func (c *controlServer) Received() []receivedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]receivedMessage(nil), c.received...)
}

func (c *controlServer) ReceivedOps(op voice.Opcode) []receivedMessage {
	var out []receivedMessage
	for _, m := range c.Received() {
		if m.Op == op {
			out = append(out, m)
		}
	}

	return out
}

func (c *controlServer) DescriptionSentAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.descSent
}

// waitFor blocks until n messages with op arrived.
func (c *controlServer) waitFor(t *testing.T, op voice.Opcode, n int, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(c.ReceivedOps(op)) >= n
	}, timeout, 5*time.Millisecond)
}

func readyFor(media *mediaServer, modes ...string) *voice.ReadyData {
	if len(modes) == 0 {
		modes = []string{defaultModes}
	}

	return &voice.ReadyData{
		SSRC:              testSSRC,
		IP:                "127.0.0.1",
		Port:              media.addr().Port,
		Modes:             modes,
		HeartbeatInterval: 41250,
	}
}

// truncatingEncoder keeps the first bytes of each frame so packets stay small.
type truncatingEncoder struct {
	size  int
	delay time.Duration
}

func (e truncatingEncoder) Encode(frame []byte) ([]byte, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	n := e.size
	if n <= 0 {
		n = 8
	}

	return append([]byte(nil), frame[:n]...), nil
}
