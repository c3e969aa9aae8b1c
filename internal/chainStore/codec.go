package chainStore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ulikunitz/xz/lzma"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	kindChunk    byte = 0x01
	kindManifest byte = 0x02
)

var errMalformed = errors.New("chainStore: malformed ledger payload")

type chunk struct {
	FileID string
	Index  uint64
	Data   []byte
}

type manifest struct {
	FileID     string
	Name       string
	Mime       string
	Size       uint64
	ChunkSize  uint64
	ChunkCount uint64
	ChunkTxs   []string
}

// chunkOverhead is an upper bound of the encoding overhead of a chunk whose
// file id is a uuid string.
const chunkOverhead = 1 + (1 + 1 + 36) + (1 + 10) + (1 + 10)

func encodeChunk(c chunk) []byte {
	b := make([]byte, 0, len(c.Data)+chunkOverhead)
	b = append(b, kindChunk)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.FileID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Index)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Data)
	return b
}

func decodeChunk(b []byte) (chunk, error) {
	var c chunk
	if len(b) == 0 || b[0] != kindChunk {
		return c, fmt.Errorf("%w: not a chunk", errMalformed)
	}
	err := consumeFields(b[1:], func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			c.FileID = string(v)
		case 2:
			c.Index = n
		case 3:
			c.Data = append([]byte(nil), v...)
		}
		return nil
	})
	return c, err
}

// encodeManifest returns the lzma compressed manifest prefixed by its kind byte.
func encodeManifest(m manifest) ([]byte, error) {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendString(raw, m.FileID)
	raw = protowire.AppendTag(raw, 2, protowire.BytesType)
	raw = protowire.AppendString(raw, m.Name)
	raw = protowire.AppendTag(raw, 3, protowire.BytesType)
	raw = protowire.AppendString(raw, m.Mime)
	raw = protowire.AppendTag(raw, 4, protowire.VarintType)
	raw = protowire.AppendVarint(raw, m.Size)
	raw = protowire.AppendTag(raw, 5, protowire.VarintType)
	raw = protowire.AppendVarint(raw, m.ChunkSize)
	raw = protowire.AppendTag(raw, 6, protowire.VarintType)
	raw = protowire.AppendVarint(raw, m.ChunkCount)
	for _, tx := range m.ChunkTxs {
		raw = protowire.AppendTag(raw, 7, protowire.BytesType)
		raw = protowire.AppendString(raw, tx)
	}

	var buf bytes.Buffer
	buf.WriteByte(kindManifest)
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeManifest(b []byte) (manifest, error) {
	var m manifest
	if len(b) == 0 || b[0] != kindManifest {
		return m, fmt.Errorf("%w: not a manifest", errMalformed)
	}

	r, err := lzma.NewReader(bytes.NewReader(b[1:]))
	if err != nil {
		return m, fmt.Errorf("%w: %v", errMalformed, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return m, fmt.Errorf("%w: %v", errMalformed, err)
	}

	err = consumeFields(buf.Bytes(), func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			m.FileID = string(v)
		case 2:
			m.Name = string(v)
		case 3:
			m.Mime = string(v)
		case 4:
			m.Size = n
		case 5:
			m.ChunkSize = n
		case 6:
			m.ChunkCount = n
		case 7:
			m.ChunkTxs = append(m.ChunkTxs, string(v))
		}
		return nil
	})
	if err != nil {
		return m, err
	}
	if m.FileID == "" || uint64(len(m.ChunkTxs)) != m.ChunkCount {
		return m, fmt.Errorf("%w: manifest lists %d of %d chunks", errMalformed, len(m.ChunkTxs), m.ChunkCount)
	}
	return m, nil
}

// consumeFields walks a protowire message and hands bytes and varint fields
// to fn. Unknown wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
