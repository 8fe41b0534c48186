package wsguard

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec 决定消息信封与负载的编码方式以及 WebSocket 帧类型
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	EncodeMessage(msg Message) ([]byte, error)
	DecodeMessage(data []byte) (Message, error)
}

// CodecByName 按名称返回编解码器，空名称为 JSON
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// jsonEnvelope 线上格式 {event,payload,from_id,to_id}，payload 原样嵌入
type jsonEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	FromID  string          `json:"from_id,omitempty"`
	ToID    string          `json:"to_id,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return CodecJSON }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) EncodeMessage(msg Message) ([]byte, error) {
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return json.Marshal(jsonEnvelope{
		Event:   msg.Event,
		Payload: payload,
		FromID:  msg.FromID,
		ToID:    msg.ToID,
	})
}

func (jsonCodec) DecodeMessage(data []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}
	return Message{Event: env.Event, Payload: env.Payload, FromID: env.FromID, ToID: env.ToID}, nil
}

type msgpackEnvelope struct {
	Event   string             `msgpack:"event"`
	Payload msgpack.RawMessage `msgpack:"payload"`
	FromID  string             `msgpack:"from_id,omitempty"`
	ToID    string             `msgpack:"to_id,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return CodecMsgpack }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (msgpackCodec) EncodeMessage(msg Message) ([]byte, error) {
	payload := msg.Payload
	if len(payload) == 0 {
		// msgpack nil
		payload = []byte{0xc0}
	}
	return msgpack.Marshal(msgpackEnvelope{
		Event:   msg.Event,
		Payload: payload,
		FromID:  msg.FromID,
		ToID:    msg.ToID,
	})
}

func (msgpackCodec) DecodeMessage(data []byte) (Message, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}
	return Message{Event: env.Event, Payload: env.Payload, FromID: env.FromID, ToID: env.ToID}, nil
}
