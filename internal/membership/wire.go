package membership

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// msgpackHandle is the shared codec handle, grounded on hashicorp/serf's own
// msgpackHandle (serf encodes every gossip message the same way before
// handing it to memberlist's transport); this module hands the encoded
// bytes to internal/transport's generic envelope instead of memberlist.
var msgpackHandle codec.MsgpackHandle

// UpdateMsg is one disseminated membership fact: spec.md §6's Gossip
// message is "updates[] of { member, status, incarnation }"; Address is
// carried too so a node learning about a peer for the first time (a Join)
// can dial it without a separate lookup.
type UpdateMsg struct {
	Member      uint64
	Address     string
	Status      Status
	Incarnation uint64
}

// Gossip is spec.md §6's Gossip message: a batch of piggybacked updates.
type Gossip struct {
	Updates []UpdateMsg
}

// PingMessage is spec.md §6's Ping message.
type PingMessage struct {
	SenderID    uint64
	Incarnation uint64
	Piggyback   Gossip
}

// AckMessage is spec.md §6's Ack message. Success is only meaningful as
// the reply to a PingReq: it reports whether the relayed direct probe
// reached the target, since a PingReq always gets a reply (never a
// transport timeout from the node answering it) and the caller needs to
// distinguish "I relayed and it failed" from "I relayed and it succeeded".
type AckMessage struct {
	SenderID    uint64
	Incarnation uint64
	Success     bool
	Piggyback   Gossip
}

// PingReqMessage is spec.md §6's PingReq message: "sender_id, target_id".
type PingReqMessage struct {
	SenderID  uint64
	TargetID  uint64
	Piggyback Gossip
}

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(b []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(b), &msgpackHandle).Decode(v)
}

// EncodeGossip/DecodeGossip let internal/transport encode the piggybacked
// payload before framing it into the generic envelope used by Raft, 2PC
// and gossip alike.
func EncodeGossip(g Gossip) ([]byte, error) { return encodeMsgpack(g) }

func DecodeGossip(b []byte) (Gossip, error) {
	var g Gossip
	err := decodeMsgpack(b, &g)
	return g, err
}

// EncodePing/DecodePing, EncodeAck/DecodeAck and EncodePingReq/DecodePingReq
// let internal/transport carry the three SWIM wire messages as msgpack
// bytes inside the generic envelope, instead of falling back to the
// envelope's own gob codec for membership traffic.
func EncodePing(p PingMessage) ([]byte, error) { return encodeMsgpack(p) }

func DecodePing(b []byte) (PingMessage, error) {
	var p PingMessage
	err := decodeMsgpack(b, &p)
	return p, err
}

func EncodeAck(a AckMessage) ([]byte, error) { return encodeMsgpack(a) }

func DecodeAck(b []byte) (AckMessage, error) {
	var a AckMessage
	err := decodeMsgpack(b, &a)
	return a, err
}

func EncodePingReq(p PingReqMessage) ([]byte, error) { return encodeMsgpack(p) }

func DecodePingReq(b []byte) (PingReqMessage, error) {
	var p PingReqMessage
	err := decodeMsgpack(b, &p)
	return p, err
}
