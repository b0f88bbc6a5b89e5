// Package protocol defines the wire envelope and message-type
// discrimination for the collaborative sync protocol: every frame is
// varstring(documentName) || varint(messageType) || payload.
package protocol

import (
	"github.com/Polqt/collabd/internal/wire"
)

// MessageType discriminates the payload carried by an Envelope.
type MessageType uint64

// Message types recognised by the server.
const (
	MsgSync               MessageType = 0
	MsgAwareness          MessageType = 1
	MsgAuth               MessageType = 2
	MsgQueryAwareness     MessageType = 3
	MsgStateless          MessageType = 5
	MsgBroadcastStateless MessageType = 6
	MsgSyncStatus         MessageType = 8
)

// SyncSubType discriminates a SYNC envelope's body.
type SyncSubType uint64

const (
	SyncStep1  SyncSubType = 0
	SyncStep2  SyncSubType = 1
	SyncUpdate SyncSubType = 2
)

// Envelope is the decoded form of one wire frame.
type Envelope struct {
	DocumentName string
	MessageType  MessageType
	Payload      []byte
	// Raw is the full, unmodified frame this Envelope was decoded from.
	// The client connection retains it to requeue frames received while
	// authentication for the document name is still in flight.
	Raw []byte
}

// Encode produces the canonical wire bytes for (documentName, msgType, payload).
func Encode(documentName string, msgType MessageType, payload []byte) []byte {
	e := wire.NewEncoder()
	e.WriteString(documentName)
	e.WriteVarUint(uint64(msgType))
	return append(e.Bytes(), payload...)
}

// Decode parses a raw frame into an Envelope. The payload is returned as
// the remainder of the buffer after the documentName and messageType
// fields; callers for SYNC frames decode the payload further via
// DecodeSyncBody.
func Decode(raw []byte) (Envelope, error) {
	d := wire.NewDecoder(raw)
	name, err := d.ReadString()
	if err != nil {
		return Envelope{}, err
	}
	mt, err := d.ReadVarUint()
	if err != nil {
		return Envelope{}, err
	}
	payload := make([]byte, d.Remaining())
	copy(payload, raw[len(raw)-d.Remaining():])
	return Envelope{
		DocumentName: name,
		MessageType:  MessageType(mt),
		Payload:      payload,
		Raw:          raw,
	}, nil
}

// SyncBody is a decoded SYNC payload: varint(subType) || body.
type SyncBody struct {
	SubType SyncSubType
	// Body is the raw length-prefixed-bytes body for step1/step2/update;
	// callers decode it with wire.Decoder.ReadBytes.
	Body []byte
}

// DecodeSyncBody parses a SYNC message's payload.
func DecodeSyncBody(payload []byte) (SyncBody, error) {
	d := wire.NewDecoder(payload)
	st, err := d.ReadVarUint()
	if err != nil {
		return SyncBody{}, err
	}
	body := make([]byte, d.Remaining())
	copy(body, payload[len(payload)-d.Remaining():])
	return SyncBody{SubType: SyncSubType(st), Body: body}, nil
}

// EncodeSyncStep1 builds a SYNC payload carrying a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSyncWithBytes(SyncStep1, stateVector)
}

// EncodeSyncStep2 builds a SYNC payload carrying an update (response to step 1).
func EncodeSyncStep2(update []byte) []byte {
	return encodeSyncWithBytes(SyncStep2, update)
}

// EncodeSyncUpdate builds a SYNC payload carrying an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSyncWithBytes(SyncUpdate, update)
}

func encodeSyncWithBytes(sub SyncSubType, b []byte) []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(uint64(sub))
	e.WriteBytes(b)
	return e.Bytes()
}

// DecodeLengthPrefixed decodes a single length-prefixed byte blob, the
// shape used by every sync sub-body.
func DecodeLengthPrefixed(body []byte) ([]byte, error) {
	d := wire.NewDecoder(body)
	return d.ReadBytes()
}

// EncodeSyncStatus builds a SYNC_STATUS payload.
func EncodeSyncStatus(ok bool) []byte {
	e := wire.NewEncoder()
	if ok {
		e.WriteVarUint(1)
	} else {
		e.WriteVarUint(0)
	}
	return e.Bytes()
}

// DecodeSyncStatus decodes a SYNC_STATUS payload.
func DecodeSyncStatus(payload []byte) (bool, error) {
	d := wire.NewDecoder(payload)
	v, err := d.ReadVarUint()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// EncodeStateless builds a STATELESS or BROADCAST_STATELESS payload.
func EncodeStateless(custom string) []byte {
	e := wire.NewEncoder()
	e.WriteString(custom)
	return e.Bytes()
}

// DecodeStateless decodes a STATELESS or BROADCAST_STATELESS payload.
func DecodeStateless(payload []byte) (string, error) {
	d := wire.NewDecoder(payload)
	return d.ReadString()
}

// DecodeAuth decodes the AUTH payload: a single varstring token
// (possibly empty).
func DecodeAuth(payload []byte) (string, error) {
	d := wire.NewDecoder(payload)
	return d.ReadString()
}

// EncodeAuth encodes an AUTH payload carrying token.
func EncodeAuth(token string) []byte {
	e := wire.NewEncoder()
	e.WriteString(token)
	return e.Bytes()
}
