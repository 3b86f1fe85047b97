package voice_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Raikerian/go-discord-voice/internal/voice"
)

func TestNewDiscoveryProbe(t *testing.T) {
	probe := voice.NewDiscoveryProbe(0xdeadbeef)

	require.Len(t, probe, 70)
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(probe[:4]))
	assert.Equal(t, make([]byte, 66), probe[4:])
}

func TestParseDiscoveryReply(t *testing.T) {
	t.Run("legacy layout", func(t *testing.T) {
		addr, err := voice.ParseDiscoveryReply(discoveryReply70(1, "203.0.113.5", 50000))
		require.NoError(t, err)
		assert.Equal(t, voice.DiscoveredAddress{IP: "203.0.113.5", Port: 50000}, addr)
	})

	t.Run("extended layout", func(t *testing.T) {
		addr, err := voice.ParseDiscoveryReply(discoveryReply74(1, "198.51.100.20", 61234))
		require.NoError(t, err)
		assert.Equal(t, voice.DiscoveredAddress{IP: "198.51.100.20", Port: 61234}, addr)
	})

	t.Run("port byte order", func(t *testing.T) {
		b := discoveryReply70(1, "10.0.0.1", 0)
		b[68], b[69] = 0x34, 0x12

		addr, err := voice.ParseDiscoveryReply(b)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x1234), addr.Port)
	})

	malformed := map[string][]byte{
		"too short":       make([]byte, 20),
		"between layouts": make([]byte, 72),
		"empty ip":        discoveryReply70(1, "", 50000),
		"bad ip":          discoveryReply70(1, "not-an-ip", 50000),
		"zero port":       discoveryReply70(1, "10.0.0.1", 0),
	}

	unterminated := discoveryReply70(1, "", 50000)
	for i := 4; i < 68; i++ {
		unterminated[i] = '1'
	}
	malformed["unterminated ip"] = unterminated

	for name, b := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := voice.ParseDiscoveryReply(b)
			assert.ErrorIs(t, err, voice.ErrDiscoveryMalformed)
		})
	}
}

func TestMediaChannel_Discover(t *testing.T) {
	tests := []struct {
		name  string
		reply func(probe []byte) []byte
	}{
		{"legacy reply", answerDiscovery},
		{"extended reply", func(probe []byte) []byte {
			return discoveryReply74(binary.BigEndian.Uint32(probe), publicIP, publicPort)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMediaServer(t, tt.reply)

			media, err := voice.ListenMedia(zaptest.NewLogger(t))
			require.NoError(t, err)
			defer media.Close()

			addr, err := media.Discover(context.Background(), testSSRC, server.addr(), time.Second)
			require.NoError(t, err)
			assert.Equal(t, voice.DiscoveredAddress{IP: publicIP, Port: publicPort}, addr)

			probes := server.Probes()
			require.Len(t, probes, 1)
			assert.Equal(t, voice.NewDiscoveryProbe(testSSRC), probes[0])
		})
	}
}

func TestMediaChannel_DiscoverTimeout(t *testing.T) {
	server := newMediaServer(t, nil)

	media, err := voice.ListenMedia(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer media.Close()

	started := time.Now()
	_, err = media.Discover(context.Background(), testSSRC, server.addr(), 100*time.Millisecond)
	assert.ErrorIs(t, err, voice.ErrDiscoveryTimeout)
	assert.Less(t, time.Since(started), time.Second)
}

func TestMediaChannel_DiscoverMalformedReply(t *testing.T) {
	server := newMediaServer(t, func([]byte) []byte { return []byte("nope") })

	media, err := voice.ListenMedia(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer media.Close()

	_, err = media.Discover(context.Background(), testSSRC, server.addr(), time.Second)
	assert.ErrorIs(t, err, voice.ErrDiscoveryMalformed)
}

func TestMediaChannel_DiscoverCanceled(t *testing.T) {
	server := newMediaServer(t, nil)

	media, err := voice.ListenMedia(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer media.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = media.Discover(ctx, testSSRC, server.addr(), 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMediaChannel_Send(t *testing.T) {
	server := newMediaServer(t, nil)

	media, err := voice.ListenMedia(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer media.Close()

	packet, err := voice.BuildPacket(7, 6720, testSSRC, []byte{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, media.Send(packet, server.addr().Port, server.addr().IP))

	require.Eventually(t, func() bool { return len(server.Packets()) == 1 }, time.Second, 5*time.Millisecond)

	got := server.Packets()[0]
	assert.Equal(t, uint16(7), got.Sequence)
	assert.Equal(t, uint32(6720), got.Timestamp)
	assert.Equal(t, uint32(testSSRC), got.SSRC)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
}

func TestMediaChannel_SendAfterClose(t *testing.T) {
	media, err := voice.ListenMedia(zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, media.Close())
	require.NoError(t, media.Close())

	err = media.Send([]byte{0x80, 0x78}, 9, net.IPv4(127, 0, 0, 1))
	assert.ErrorIs(t, err, voice.ErrSendFailed)
}
