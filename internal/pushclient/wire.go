package pushclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frame is the adapter's self-contained wire envelope: a 4-byte big-endian
// length prefix followed by a JSON body. See the SPEC_FULL.md Non-goals
// note: this is not Google's MCS binary protobuf wire format, which is not
// reproducible from the retrieval pack; it is an idiomatic stand-in that
// the contract and FCM Worker exercise identically.
type frameType string

const (
	frameLogin         frameType = "login"
	frameLoginAck      frameType = "login_ack"
	frameHeartbeatPing frameType = "heartbeat_ping"
	frameHeartbeatAck  frameType = "heartbeat_ack"
	frameData          frameType = "data"
	frameClose         frameType = "close"

	maxFrameSize = 1 << 20 // 1 MiB
)

type wireFrame struct {
	Type frameType `json:"type"`

	// login
	AndroidID     uint64   `json:"android_id,omitempty"`
	SecurityToken uint64   `json:"security_token,omitempty"`
	Topics        []string `json:"topics,omitempty"`

	// data
	SenderPublicKey string `json:"sender_public_key,omitempty"`
	Salt            string `json:"salt,omitempty"`
	Ciphertext      []byte `json:"ciphertext,omitempty"`

	// close
	Reason string `json:"reason,omitempty"`
}

func writeFrame(w io.Writer, f wireFrame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (wireFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wireFrame{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return wireFrame{}, fmt.Errorf("frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return wireFrame{}, fmt.Errorf("reading frame body: %w", err)
	}
	var f wireFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return wireFrame{}, fmt.Errorf("unmarshaling frame: %w", err)
	}
	return f, nil
}
