package chunkstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// record is the persisted form of a chunk.
type record struct {
	Key         string      `msgpack:"key"`
	URL         string      `msgpack:"url"`
	Version     string      `msgpack:"version"`
	Index       int         `msgpack:"index"`
	StoredAt    int64       `msgpack:"stored_at"`
	Compression Compression `msgpack:"compression"`
	Size        int         `msgpack:"size"`
	Digest      []byte      `msgpack:"digest"`
	Data        []byte      `msgpack:"data"`
}

// errCorrupt marks a record that decoded but failed verification.
var errCorrupt = errors.New("chunk record is corrupt")

func digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// encodeRecord builds and serializes a record for data. Incompressible
// data is stored raw regardless of c.
func encodeRecord(key Key, data []byte, storedAt int64, c Compression) ([]byte, error) {
	rec := record{
		Key:      key.String(),
		URL:      key.URL,
		Version:  key.Version,
		Index:    key.Index,
		StoredAt: storedAt,
		Size:     len(data),
		Digest:   digest(data),
	}

	payload, err := compress(data, c)
	switch {
	case errors.Is(err, errIncompressible):
		rec.Compression, rec.Data = CompressionNone, data
	case err != nil:
		return nil, err
	default:
		rec.Compression, rec.Data = c, payload
	}

	out, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode chunk record: %w", err)
	}
	return out, nil
}

// decodeRecord parses a record without touching its data.
func decodeRecord(raw []byte) (*record, error) {
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return &rec, nil
}

// payload decompresses the record data and verifies its digest.
func (r *record) payload() ([]byte, error) {
	data, err := decompress(r.Data, r.Compression, r.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if !bytes.Equal(digest(data), r.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch for %s", errCorrupt, r.Key)
	}
	return data, nil
}
