// Package transfer segments files into independently enveloped chunks and
// reassembles them with end-to-end integrity verification.
//
// Each chunk travels as its own ratchet envelope, so loss or reordering of
// chunks is handled by the ratchet's skipped key machinery, not by this
// package. The final chunk is a distinguished trailer carrying the chunk
// count and a hash over the whole content; reassembly fails closed when
// the hash does not match.
package transfer

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
)

// Sealer seals outgoing payloads and opens incoming wires. Implemented by
// messenger.Conversation.
type Sealer interface {
	Send(ctx context.Context, plaintext []byte) ([]byte, error)
	Receive(ctx context.Context, data []byte) ([]byte, error)
}

// Chunk payload types.
const (
	chunkData  = 0x00
	chunkTrail = 0x01
)

// Flag bits on data chunks.
const flagCompressed = 0x01

// Chunker splits content into sealed chunk envelopes.
type Chunker struct {
	chunkSize int
	compress  bool
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkSize overrides the plaintext chunk size.
func WithChunkSize(n int) ChunkerOption {
	return func(c *Chunker) { c.chunkSize = n }
}

// WithCompression toggles per-chunk LZ4 compression. A chunk that does
// not shrink is sent uncompressed.
func WithCompression(enabled bool) ChunkerOption {
	return func(c *Chunker) { c.compress = enabled }
}

// NewChunker creates a chunker with the default chunk size and
// compression enabled.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{chunkSize: constants.DefaultChunkSize, compress: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seal reads the full content and returns one wire envelope per chunk,
// ending with the trailer envelope. The wires must be delivered in any
// order but all of them must arrive for reassembly to complete.
func (c *Chunker) Seal(ctx context.Context, sealer Sealer, r io.Reader) ([][]byte, error) {
	hasher := crypto.NewContentHasher()
	var wires [][]byte

	buf := make([]byte, c.chunkSize)
	var index uint32
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hasher.Write(buf[:n])
			payload := c.encodeDataChunk(index, buf[:n])
			wire, err := sealer.Send(ctx, payload)
			if err != nil {
				return nil, err
			}
			wires = append(wires, wire)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	trailer := encodeTrailer(index, hasher.Sum(nil))
	wire, err := sealer.Send(ctx, trailer)
	if err != nil {
		return nil, err
	}
	return append(wires, wire), nil
}

func (c *Chunker) encodeDataChunk(index uint32, data []byte) []byte {
	var flags byte
	body := data

	if c.compress {
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err == nil && n > 0 && n < len(data) {
			flags |= flagCompressed
			body = dst[:n]
		}
	}

	payload := make([]byte, 0, 1+4+1+4+len(body))
	payload = append(payload, chunkData)
	payload = binary.BigEndian.AppendUint32(payload, index)
	payload = append(payload, flags)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(data)))
	return append(payload, body...)
}

func encodeTrailer(totalChunks uint32, hash []byte) []byte {
	payload := make([]byte, 0, 1+4+len(hash))
	payload = append(payload, chunkTrail)
	payload = binary.BigEndian.AppendUint32(payload, totalChunks)
	return append(payload, hash...)
}

// Reassembler collects decrypted chunk payloads and reconstructs the
// content once every chunk and the trailer have arrived.
type Reassembler struct {
	chunks      map[uint32][]byte
	totalChunks uint32
	wantHash    []byte
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{chunks: make(map[uint32][]byte)}
}

// Feed consumes one decrypted chunk payload (the output of
// Sealer.Receive; nil dummy payloads must be filtered by the caller).
// It returns true once the content is complete and verified.
func (r *Reassembler) Feed(payload []byte) (bool, error) {
	if len(payload) < 1 {
		return false, qerrors.ErrInvalidChunk
	}

	switch payload[0] {
	case chunkData:
		if err := r.feedData(payload[1:]); err != nil {
			return false, err
		}
	case chunkTrail:
		if err := r.feedTrailer(payload[1:]); err != nil {
			return false, err
		}
	default:
		return false, qerrors.ErrInvalidChunk
	}
	return r.complete(), nil
}

func (r *Reassembler) feedData(body []byte) error {
	if len(body) < 4+1+4 {
		return qerrors.ErrInvalidChunk
	}
	index := binary.BigEndian.Uint32(body[0:4])
	flags := body[4]
	rawLen := binary.BigEndian.Uint32(body[5:9])
	data := body[9:]

	if rawLen > uint32(constants.MaxMessageSize) {
		return qerrors.ErrInvalidChunk
	}

	if flags&flagCompressed != 0 {
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil || uint32(n) != rawLen {
			return qerrors.ErrInvalidChunk
		}
		data = dst
	} else if uint32(len(data)) != rawLen {
		return qerrors.ErrInvalidChunk
	}

	if _, dup := r.chunks[index]; !dup {
		r.chunks[index] = append([]byte(nil), data...)
	}
	return nil
}

func (r *Reassembler) feedTrailer(body []byte) error {
	if len(body) != 4+constants.ContentHashSize {
		return qerrors.ErrInvalidChunk
	}
	r.totalChunks = binary.BigEndian.Uint32(body[0:4])
	r.wantHash = append([]byte(nil), body[4:]...)
	return nil
}

func (r *Reassembler) complete() bool {
	if r.wantHash == nil || uint32(len(r.chunks)) != r.totalChunks {
		return false
	}
	for i := uint32(0); i < r.totalChunks; i++ {
		if _, ok := r.chunks[i]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the indexes not yet received, for transport-level
// redelivery requests. Only meaningful once the trailer has arrived.
func (r *Reassembler) Missing() []uint32 {
	if r.wantHash == nil {
		return nil
	}
	var missing []uint32
	for i := uint32(0); i < r.totalChunks; i++ {
		if _, ok := r.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Bytes verifies the content hash and returns the reassembled content.
// It fails with ErrMissingChunks before completion and with
// ErrFileIntegrityMismatch when the hash does not match.
func (r *Reassembler) Bytes() ([]byte, error) {
	if !r.complete() {
		return nil, qerrors.ErrMissingChunks
	}

	var out bytes.Buffer
	hasher := crypto.NewContentHasher()
	for i := uint32(0); i < r.totalChunks; i++ {
		out.Write(r.chunks[i])
		hasher.Write(r.chunks[i])
	}
	if !crypto.ConstantTimeCompare(hasher.Sum(nil), r.wantHash) {
		return nil, qerrors.ErrFileIntegrityMismatch
	}
	return out.Bytes(), nil
}
