package voice_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Raikerian/go-discord-voice/internal/voice"
)

func testParams(endpoint string) voice.Params {
	return voice.Params{
		GuildID:   41771983423143937,
		ChannelID: 127121515262115840,
		UserID:    104694319306248192,
		SessionID: "my_session_id",
		Token:     "my_token",
		Endpoint:  endpoint,
	}
}

func testOptions(opts voice.Options) voice.Options {
	opts.Scheme = "ws"
	if opts.Encoder == nil {
		opts.Encoder = truncatingEncoder{}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}
	if opts.DiscoveryTimeout == 0 {
		opts.DiscoveryTimeout = time.Second
	}
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = time.Second
	}
	if opts.Pacer.UnderrunBackoff == 0 {
		opts.Pacer.UnderrunBackoff = 10 * time.Millisecond
	}

	return opts
}

func newTestSession(t *testing.T, endpoint string, opts voice.Options) *voice.Session {
	t.Helper()

	sess, err := voice.NewSession(context.Background(), zaptest.NewLogger(t), testParams(endpoint), testOptions(opts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return sess
}

func connectedSession(
	t *testing.T,
	cfg controlConfig,
	opts voice.Options,
	tweaks ...func(*voice.ReadyData),
) (*voice.Session, *controlServer, *mediaServer) {
	t.Helper()

	media := newMediaServer(t, answerDiscovery)
	cfg.ready = readyFor(media)
	for _, tweak := range tweaks {
		tweak(cfg.ready)
	}
	ctl := newControlServer(t, cfg)

	sess := newTestSession(t, ctl.endpoint(), opts)
	require.NoError(t, sess.Connect(context.Background()))

	return sess, ctl, media
}

func assertClosed(t *testing.T, sess *voice.Session) {
	t.Helper()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Equal(t, voice.StateClosed, sess.State())
	assert.False(t, sess.Ready())
}

func TestNewSession_RequiresEncoder(t *testing.T) {
	_, err := voice.NewSession(context.Background(), zaptest.NewLogger(t), testParams("127.0.0.1:1"), voice.Options{})
	assert.Error(t, err)
}

func TestNewSession_UnresolvableEndpoint(t *testing.T) {
	_, err := voice.NewSession(context.Background(), zaptest.NewLogger(t), testParams(""), testOptions(voice.Options{}))
	assert.ErrorIs(t, err, voice.ErrEndpointUnresolvable)
}

func TestSession_Handshake(t *testing.T) {
	media := newMediaServer(t, answerDiscovery)
	ctl := newControlServer(t, controlConfig{
		ready:     readyFor(media, "xsalsa20_poly1305", "xsalsa20_poly1305_suffix"),
		descDelay: 100 * time.Millisecond,
	})

	sess := newTestSession(t, ctl.endpoint(), voice.Options{})
	assert.Equal(t, voice.StateConnecting, sess.State())
	assert.False(t, sess.Ready())

	// Watch for the first moment the session reports ready.
	var (
		mu         sync.Mutex
		firstReady time.Time
	)
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		for {
			if sess.Ready() {
				mu.Lock()
				firstReady = time.Now()
				mu.Unlock()

				return
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	require.NoError(t, sess.Connect(context.Background()))
	close(stop)
	<-watched

	assert.True(t, sess.Ready())
	assert.Equal(t, voice.StateReady, sess.State())

	t.Run("identify carries the gateway identifiers", func(t *testing.T) {
		identify := ctl.ReceivedOps(voice.OpIdentify)
		require.Len(t, identify, 1)
		assert.JSONEq(t, `{
			"server_id": "41771983423143937",
			"user_id": "104694319306248192",
			"session_id": "my_session_id",
			"token": "my_token"
		}`, string(identify[0].Data))
	})

	t.Run("protocol is selected after ready with the discovered address", func(t *testing.T) {
		selects := ctl.ReceivedOps(voice.OpSelectProtocol)
		require.Len(t, selects, 1)
		assert.True(t, selects[0].ReadySent)

		var sel voice.SelectProtocolData
		require.NoError(t, json.Unmarshal(selects[0].Data, &sel))
		assert.Equal(t, voice.SelectProtocolData{
			Protocol: "udp",
			Data: voice.ProtocolAddress{
				Address: publicIP,
				Port:    publicPort,
				Mode:    "xsalsa20_poly1305",
			},
		}, sel)
	})

	t.Run("ready is reported only after the session description", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()

		descSent := ctl.DescriptionSentAt()
		require.False(t, descSent.IsZero())
		if !firstReady.IsZero() {
			assert.False(t, firstReady.Before(descSent))
		}
	})

	t.Run("discovery probe carries the ssrc", func(t *testing.T) {
		probes := media.Probes()
		require.Len(t, probes, 1)
		assert.Equal(t, voice.NewDiscoveryProbe(testSSRC), probes[0])
	})

	t.Run("negotiated parameters", func(t *testing.T) {
		params := sess.Parameters()
		assert.Equal(t, uint32(testSSRC), params.SSRC)
		assert.Equal(t, media.addr().Port, params.UDPPort)
		assert.Equal(t, "127.0.0.1", params.ServerIP.String())
		assert.Equal(t, []string{"xsalsa20_poly1305", "xsalsa20_poly1305_suffix"}, params.Modes)
		assert.Equal(t, "xsalsa20_poly1305", params.SelectedMode)
		assert.Equal(t, 41250*time.Millisecond, params.HeartbeatInterval)
	})
}

func TestSession_ConnectTwice(t *testing.T) {
	sess, _, _ := connectedSession(t, controlConfig{}, voice.Options{})

	assert.Error(t, sess.Connect(context.Background()))
	assert.True(t, sess.Ready())
}

func TestStart(t *testing.T) {
	media := newMediaServer(t, answerDiscovery)
	ctl := newControlServer(t, controlConfig{ready: readyFor(media)})

	sess, err := voice.Start(context.Background(), zaptest.NewLogger(t), testParams(ctl.endpoint()), testOptions(voice.Options{}))
	require.NoError(t, err)
	defer sess.Close()

	assert.True(t, sess.Ready())
}

func TestSession_Heartbeat(t *testing.T) {
	sess, ctl, _ := connectedSession(t, controlConfig{}, voice.Options{}, func(r *voice.ReadyData) {
		r.HeartbeatInterval = 30
	})

	assert.Equal(t, 30*time.Millisecond, sess.Parameters().HeartbeatInterval)

	ctl.waitFor(t, voice.OpHeartbeat, 3, 2*time.Second)
	for _, hb := range ctl.ReceivedOps(voice.OpHeartbeat) {
		assert.True(t, hb.ReadySent)
		assert.JSONEq(t, "null", string(hb.Data))
	}
}

func TestSession_HelloIntervalFallback(t *testing.T) {
	sess, ctl, _ := connectedSession(t, controlConfig{hello: 25}, voice.Options{}, func(r *voice.ReadyData) {
		r.HeartbeatInterval = 0
	})

	assert.Equal(t, 25*time.Millisecond, sess.Parameters().HeartbeatInterval)
	ctl.waitFor(t, voice.OpHeartbeat, 2, 2*time.Second)
}

func TestSession_HandshakeTimeout(t *testing.T) {
	ctl := newControlServer(t, controlConfig{})
	sess := newTestSession(t, ctl.endpoint(), voice.Options{HandshakeTimeout: 200 * time.Millisecond})

	started := time.Now()
	err := sess.Connect(context.Background())
	assert.ErrorIs(t, err, voice.ErrHandshakeTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)

	assertClosed(t, sess)
	assert.Empty(t, ctl.ReceivedOps(voice.OpSelectProtocol))
}

func TestSession_SessionDescriptionTimeout(t *testing.T) {
	media := newMediaServer(t, answerDiscovery)
	ctl := newControlServer(t, controlConfig{ready: readyFor(media), noDescription: true})
	sess := newTestSession(t, ctl.endpoint(), voice.Options{HandshakeTimeout: 200 * time.Millisecond})

	err := sess.Connect(context.Background())
	assert.ErrorIs(t, err, voice.ErrHandshakeTimeout)
	assertClosed(t, sess)
}

func TestSession_DiscoveryTimeout(t *testing.T) {
	media := newMediaServer(t, nil)
	ctl := newControlServer(t, controlConfig{ready: readyFor(media)})
	sess := newTestSession(t, ctl.endpoint(), voice.Options{DiscoveryTimeout: 100 * time.Millisecond})

	err := sess.Connect(context.Background())
	assert.ErrorIs(t, err, voice.ErrDiscoveryFailed)
	assert.ErrorIs(t, err, voice.ErrDiscoveryTimeout)

	assertClosed(t, sess)
	assert.Empty(t, ctl.ReceivedOps(voice.OpSelectProtocol))
}

func TestSession_NoModes(t *testing.T) {
	media := newMediaServer(t, answerDiscovery)
	ready := readyFor(media)
	ready.Modes = nil
	ctl := newControlServer(t, controlConfig{ready: ready})
	sess := newTestSession(t, ctl.endpoint(), voice.Options{})

	err := sess.Connect(context.Background())
	assert.ErrorIs(t, err, voice.ErrNoModes)
	assertClosed(t, sess)
	assert.Empty(t, media.Probes())
}

func TestSession_DialFailure(t *testing.T) {
	sess := newTestSession(t, "127.0.0.1:1", voice.Options{HandshakeTimeout: 500 * time.Millisecond})

	assert.Error(t, sess.Connect(context.Background()))
	assertClosed(t, sess)
}

func TestSession_ControlChannelLost(t *testing.T) {
	sess, ctl, _ := connectedSession(t, controlConfig{}, voice.Options{})

	ctl.drop()

	assertClosed(t, sess)
	assert.ErrorIs(t, sess.Err(), voice.ErrControlChannelLost)
}

func TestSession_Play(t *testing.T) {
	sess, ctl, media := connectedSession(t, controlConfig{}, voice.Options{})

	src := &scriptedSource{chunks: frames(3)}
	reason, err := sess.Play(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, voice.StopReasonSourceExhausted, reason)
	assert.Equal(t, 1, src.Closes())
	assert.Equal(t, voice.StateReady, sess.State())
	assert.False(t, sess.Playing())

	require.Eventually(t, func() bool { return len(media.Packets()) == 3 }, time.Second, 5*time.Millisecond)
	for i, pkt := range media.Packets() {
		assert.Equal(t, uint16(i), pkt.Sequence)
		assert.Equal(t, uint32(i*960), pkt.Timestamp)
		assert.Equal(t, uint32(testSSRC), pkt.SSRC)
	}

	ctl.waitFor(t, voice.OpSpeaking, 3, time.Second)
	speaking := ctl.ReceivedOps(voice.OpSpeaking)

	var first, last voice.SpeakingData
	require.NoError(t, json.Unmarshal(speaking[0].Data, &first))
	require.NoError(t, json.Unmarshal(speaking[len(speaking)-1].Data, &last))
	assert.Equal(t, voice.SpeakingData{Speaking: true, SSRC: testSSRC}, first)
	assert.Equal(t, voice.SpeakingData{Speaking: false, SSRC: testSSRC}, last)

	t.Run("counters continue on the next stream", func(t *testing.T) {
		reason, err := sess.Play(context.Background(), &scriptedSource{chunks: frames(1)})
		require.NoError(t, err)
		assert.Equal(t, voice.StopReasonSourceExhausted, reason)

		require.Eventually(t, func() bool { return len(media.Packets()) == 4 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint16(3), media.Packets()[3].Sequence)
	})
}

func TestSession_PlayNotReady(t *testing.T) {
	sess := newTestSession(t, "127.0.0.1:1", voice.Options{})

	src := &scriptedSource{chunks: frames(1)}
	_, err := sess.Play(context.Background(), src)
	assert.ErrorIs(t, err, voice.ErrNotReady)
	assert.Equal(t, 1, src.Closes())
	assert.Equal(t, 0, src.Reads())

	assert.ErrorIs(t, sess.SetSpeaking(true), voice.ErrNotReady)
}

func TestSession_PlayWhilePlaying(t *testing.T) {
	sess, _, _ := connectedSession(t, controlConfig{}, voice.Options{})

	first := &endlessSource{}
	result := make(chan voice.StopReason, 1)
	go func() {
		reason, _ := sess.Play(context.Background(), first)
		result <- reason
	}()

	require.Eventually(t, sess.Playing, time.Second, 5*time.Millisecond)
	assert.Equal(t, voice.StateStreaming, sess.State())

	second := &scriptedSource{chunks: frames(1)}
	_, err := sess.Play(context.Background(), second)
	assert.ErrorIs(t, err, voice.ErrAlreadyPlaying)
	assert.Equal(t, 1, second.Closes())

	sess.Stop()

	select {
	case reason := <-result:
		assert.Equal(t, voice.StopReasonStopped, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after Stop")
	}
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, voice.StateReady, sess.State())
	assert.True(t, sess.Ready())
}

func TestSession_CloseDuringPlay(t *testing.T) {
	sess, _, media := connectedSession(t, controlConfig{}, voice.Options{})

	src := &endlessSource{}
	result := make(chan voice.StopReason, 1)
	go func() {
		reason, _ := sess.Play(context.Background(), src)
		result <- reason
	}()

	require.Eventually(t, func() bool { return len(media.Packets()) >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	select {
	case reason := <-result:
		assert.Equal(t, voice.StopReasonClosed, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after Close")
	}

	assertClosed(t, sess)
	assert.Equal(t, int32(1), src.closes.Load())
	assert.NoError(t, sess.Err())

	late := &scriptedSource{}
	_, err := sess.Play(context.Background(), late)
	assert.ErrorIs(t, err, voice.ErrSessionClosed)
	assert.Equal(t, 1, late.Closes())
}
