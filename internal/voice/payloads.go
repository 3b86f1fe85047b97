package voice

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
)

// Opcode identifies a control message.
type Opcode int

// Name                   Code  Sent by
const (
	OpIdentify           Opcode = 0  // client
	OpSelectProtocol     Opcode = 1  // client
	OpReady              Opcode = 2  // server
	OpHeartbeat          Opcode = 3  // client
	OpSessionDescription Opcode = 4  // server
	OpSpeaking           Opcode = 5  // client and server
	OpHeartbeatAck       Opcode = 6  // server
	OpResume             Opcode = 7  // client
	OpHello              Opcode = 8  // server
	OpResumed            Opcode = 9  // server
	OpClientDisconnect   Opcode = 13 // server
)

// ProtocolUDP is the only transport this client selects.
const ProtocolUDP = "udp"

// Event is an incoming control message before classification.
type Event struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
}

type command struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// IdentifyData opens a voice session.
type IdentifyData struct {
	ServerID  discord.GuildID `json:"server_id"`
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// ReadyData carries the server-assigned media parameters.
type ReadyData struct {
	SSRC              uint32   `json:"ssrc"`
	IP                string   `json:"ip"`
	Port              int      `json:"port"`
	Modes             []string `json:"modes"`
	HeartbeatInterval float64  `json:"heartbeat_interval"`
}

// HelloData is sent by newer servers before Ready.
type HelloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// SelectProtocolData answers Ready with the discovered public address.
type SelectProtocolData struct {
	Protocol string          `json:"protocol"`
	Data     ProtocolAddress `json:"data"`
}

// ProtocolAddress is the address half of SelectProtocolData.
type ProtocolAddress struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// SessionDescriptionData acknowledges the selected mode.
type SessionDescriptionData struct {
	Mode string `json:"mode"`
}

// SpeakingData toggles the speaking indicator.
type SpeakingData struct {
	Speaking bool   `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc,omitempty"`
}

// HeartbeatAck is returned by the server for every heartbeat.
type HeartbeatAck struct{}

// intervalFromMillis converts a server-provided millisecond interval.
func intervalFromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// EncodeCommand serializes an outgoing control operation.
func EncodeCommand(op Opcode, data any) ([]byte, error) {
	b, err := json.Marshal(command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode op %d: %w", op, err)
	}

	return b, nil
}

// DecodeEvent classifies an incoming control message. It returns a nil value
// for opcodes the client does not act on.
func DecodeEvent(raw []byte) (Opcode, any, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return 0, nil, fmt.Errorf("decode event: %w", err)
	}

	var v any
	switch ev.Op {
	case OpReady:
		v = &ReadyData{}
	case OpSessionDescription:
		v = &SessionDescriptionData{}
	case OpHello:
		v = &HelloData{}
	case OpHeartbeatAck:
		return ev.Op, HeartbeatAck{}, nil
	default:
		return ev.Op, nil, nil
	}

	if err := json.Unmarshal(ev.Data, v); err != nil {
		return ev.Op, nil, fmt.Errorf("decode op %d payload: %w", ev.Op, err)
	}

	return ev.Op, v, nil
}
