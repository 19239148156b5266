// Package audio adapts a conversation for real-time voice frames.
//
// Each frame is sealed in its own envelope with a 32-bit sequence
// number prepended to the payload. The receiver tracks the highest
// sequence seen and marks frames that arrive behind it as late, so a
// playout buffer can drop them instead of glitching backwards. Cover
// traffic dummies decrypt to no frame at all.
package audio

import (
	"context"
	"encoding/binary"
	"sync"

	qerrors "github.com/qubee/qubee-go/internal/errors"
)

// Sealer seals outgoing payloads and opens incoming wires. Implemented
// by messenger.Conversation.
type Sealer interface {
	Send(ctx context.Context, plaintext []byte) ([]byte, error)
	Receive(ctx context.Context, data []byte) ([]byte, error)
}

// Frame is a single decrypted audio frame.
type Frame struct {
	// Seq is the sender-assigned sequence number.
	Seq uint32

	// Data is the opaque codec payload. The adapter does not
	// interpret it.
	Data []byte

	// Late reports that a frame with a higher sequence number was
	// already delivered. Late frames are authentic but arrived behind
	// the playout point.
	Late bool
}

// Stream frames voice data over a conversation.
type Stream struct {
	sealer Sealer

	mu      sync.Mutex
	sendSeq uint32
	recvSeq uint32
	started bool
}

// NewStream wraps a conversation for audio framing.
func NewStream(sealer Sealer) *Stream {
	return &Stream{sealer: sealer}
}

// SendFrame seals one audio frame and returns the wire envelope.
func (s *Stream) SendFrame(ctx context.Context, frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, qerrors.ErrEmptyFrame
	}

	s.mu.Lock()
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	payload := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(payload, seq)
	copy(payload[4:], frame)
	return s.sealer.Send(ctx, payload)
}

// ReceiveFrame opens one wire envelope. It returns nil for cover
// traffic dummies. Decryption failures propagate from the envelope
// layer unchanged.
func (s *Stream) ReceiveFrame(ctx context.Context, data []byte) (*Frame, error) {
	payload, err := s.sealer.Receive(ctx, data)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	if len(payload) < 4 {
		return nil, qerrors.ErrInvalidFrame
	}

	frame := &Frame{
		Seq:  binary.BigEndian.Uint32(payload[:4]),
		Data: payload[4:],
	}

	s.mu.Lock()
	if s.started && frame.Seq < s.recvSeq {
		frame.Late = true
	} else {
		s.recvSeq = frame.Seq
		s.started = true
	}
	s.mu.Unlock()
	return frame, nil
}
