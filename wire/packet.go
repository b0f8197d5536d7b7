package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression identifies how Packet.Data is compressed. Values are part of the
// wire format.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionBrotli Compression = 1
	CompressionZstd   Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionBrotli:
		return "brotli"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// CompressThreshold is the payload size above which outbound packets are compressed.
const CompressThreshold = 5_000_000

// Packet is the envelope around every binary request and response body.
type Packet struct {
	Data        []byte      `cbor:"data"`
	Encrypted   bool        `cbor:"is_encrypted"`
	Compression Compression `cbor:"compression"`
	APIKey      *string     `cbor:"apikey,omitempty"`
}

// NewPacket encodes v into the data of a new uncompressed packet.
func NewPacket(v any) (*Packet, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode packet data")
	}
	return &Packet{Data: data}, nil
}

// DecodePacket parses an encoded Packet.
func DecodePacket(b []byte) (*Packet, error) {
	var p Packet
	if err := Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "could not decode packet")
	}
	return &p, nil
}

// Encode serializes the packet.
func (p *Packet) Encode() ([]byte, error) {
	return Marshal(p)
}

// Compress replaces Data with its compressed form. Already-compressed packets
// are an error.
func (p *Packet) Compress(c Compression) error {
	if p.Compression != CompressionNone {
		return errors.Errorf("packet already compressed with %s", p.Compression)
	}

	var buf bytes.Buffer
	switch c {
	case CompressionNone:
		return nil

	case CompressionBrotli:
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(p.Data); err != nil {
			return errors.Wrap(err, "brotli write")
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "brotli close")
		}

	case CompressionZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return errors.Wrap(err, "zstd writer")
		}
		if _, err := w.Write(p.Data); err != nil {
			return errors.Wrap(err, "zstd write")
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "zstd close")
		}

	default:
		return errors.Errorf("unsupported compression %s", c)
	}

	p.Data = buf.Bytes()
	p.Compression = c
	return nil
}

// Decompress restores Data to its uncompressed form.
func (p *Packet) Decompress() error {
	var r io.Reader
	switch p.Compression {
	case CompressionNone:
		return nil

	case CompressionBrotli:
		r = brotli.NewReader(bytes.NewReader(p.Data))

	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(p.Data))
		if err != nil {
			return errors.Wrap(ErrMalformed, err.Error())
		}
		defer dec.Close()
		r = dec

	default:
		return errors.Wrapf(ErrMalformed, "unsupported compression %s", p.Compression)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(ErrMalformed, "%s: %s", p.Compression, err.Error())
	}
	p.Data = data
	p.Compression = CompressionNone
	return nil
}

// CompressIfLarge applies Brotli when Data exceeds CompressThreshold.
func (p *Packet) CompressIfLarge() error {
	if len(p.Data) <= CompressThreshold {
		return nil
	}
	return p.Compress(CompressionBrotli)
}
