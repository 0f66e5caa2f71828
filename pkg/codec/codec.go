/*
Package codec implements Concord's value compression envelope.

Compressed bytes live inside the replicated Store, so the compression
function must be a pure function of (value, algorithm, level): two
replicas given the same input and parameters must produce byte-identical
output. Go's compress/zlib and compress/gzip satisfy this for a fixed
toolchain version and a fixed level — there is no non-determinism from
timestamps or non-deterministic dictionary selection in the modes Concord
uses (no gzip header mtime, no zlib dictionary). Per spec §4.2/§4.5, the
caller-side (ClusterClient) is responsible for compressing before a
command is proposed, so only one set of envelope bytes — the proposer's —
ever enters the log; the state machine only ever decompresses.
*/
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"time"
)

var zeroTime time.Time

// Algorithm names a supported compressor.
type Algorithm string

const (
	Zlib Algorithm = "zlib"
	Gzip Algorithm = "gzip"
)

// Config controls the compression policy applied on put.
type Config struct {
	Enabled        bool
	Algorithm      Algorithm
	ThresholdBytes int
	Level          int
}

// DefaultConfig matches the defaults named in spec §4.2/§6.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Algorithm:      Zlib,
		ThresholdBytes: 1024,
		Level:          flate.DefaultCompression,
	}
}

// envelopeTag is the one-byte schema marker prefixed to every compressed
// envelope, ahead of a 1-byte algorithm tag and the compressed payload.
// Only this tag value is recognized as an envelope: bytes that start with
// any other value are treated as a raw, uncompressed value.
const envelopeTag = 0x01

const (
	algTagZlib byte = 0x01
	algTagGzip byte = 0x02
)

// ShouldCompress reports whether a put of the given serialized size
// should be compressed under cfg, honoring an optional per-operation
// force flag.
func ShouldCompress(cfg Config, size int, force bool) bool {
	if !cfg.Enabled {
		return false
	}
	if force {
		return true
	}
	return size >= cfg.ThresholdBytes
}

// Compress produces the envelope bytes for raw under the given algorithm
// and level. The result is prefixed with envelopeTag and an algorithm
// tag so IsEnvelope/Decompress can recognize it unambiguously.
func Compress(raw []byte, alg Algorithm, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(envelopeTag)

	switch alg {
	case Zlib:
		buf.WriteByte(algTagZlib)
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("codec: new zlib writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("codec: zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: zlib close: %w", err)
		}
	case Gzip:
		buf.WriteByte(algTagGzip)
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("codec: new gzip writer: %w", err)
		}
		// Zero the mtime header field so identical input produces
		// identical bytes on every replica regardless of wall clock.
		w.ModTime = zeroTime
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("codec: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: gzip close: %w", err)
		}
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm %q", alg)
	}
	return buf.Bytes(), nil
}

// IsEnvelope reports whether b looks like a Concord compression envelope.
func IsEnvelope(b []byte) bool {
	return len(b) >= 2 && b[0] == envelopeTag
}

// Decompress reverses Compress. Non-envelope input is returned unchanged.
func Decompress(b []byte) ([]byte, error) {
	if !IsEnvelope(b) {
		return b, nil
	}
	algTag := b[1]
	payload := bytes.NewReader(b[2:])

	switch algTag {
	case algTagZlib:
		r, err := zlib.NewReader(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: new zlib reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case algTagGzip:
		r, err := gzip.NewReader(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: new gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("codec: unknown envelope algorithm tag %d", algTag)
	}
}
