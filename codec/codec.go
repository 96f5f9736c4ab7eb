// Package codec converts ordered, possibly sparse arrays of opaque item
// slots to and from compact, storage-safe text blobs.
//
// Wire layout (before compression): a uint32 slot count, then for each
// slot a one-byte presence flag followed, when set, by a uint32 payload
// length and the payload bytes. The stream is gzip-compressed and
// base64-encoded so it can live inside a text field of any backend.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/nuvalabs/playersync/types"
)

// Hard decode limits. Blobs are produced by this package; anything that
// exceeds these bounds is corrupt input, not a big inventory.
const (
	maxSlots       = 1 << 16
	maxSlotPayload = 1 << 22
)

// Encode serializes a slot array into a compressed, base64 text blob.
func Encode(slots []types.Slot) (string, error) {
	raw, err := marshalSlots(slots)
	if err != nil {
		return "", err
	}
	return deflate(raw)
}

// Decode reverses Encode exactly.
func Decode(blob string) ([]types.Slot, error) {
	compressed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, "blob is not valid base64").WithCause(err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, "blob is not valid gzip").WithCause(err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxSlots*(int64(maxSlotPayload)+5)+4))
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, "blob decompression failed").WithCause(err)
	}

	return unmarshalSlots(raw)
}

// marshalSlots produces the uncompressed wire form. It is also the
// canonical byte stream hashed by the memo cache.
func marshalSlots(slots []types.Slot) ([]byte, error) {
	if len(slots) > maxSlots {
		return nil, types.NewError(types.ErrSerialization,
			fmt.Sprintf("slot array too large: %d > %d", len(slots), maxSlots))
	}

	var buf bytes.Buffer
	var scratch [4]byte

	binary.BigEndian.PutUint32(scratch[:], uint32(len(slots)))
	buf.Write(scratch[:])

	for i, s := range slots {
		if s.Empty() {
			buf.WriteByte(0)
			continue
		}
		if len(s.Payload) > maxSlotPayload {
			return nil, types.NewError(types.ErrSerialization,
				fmt.Sprintf("slot %d payload too large: %d bytes", i, len(s.Payload)))
		}
		buf.WriteByte(1)
		binary.BigEndian.PutUint32(scratch[:], uint32(len(s.Payload)))
		buf.Write(scratch[:])
		buf.Write(s.Payload)
	}

	return buf.Bytes(), nil
}

func unmarshalSlots(raw []byte) ([]types.Slot, error) {
	r := bytes.NewReader(raw)
	var scratch [4]byte

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, types.NewError(types.ErrSerialization, "blob truncated: missing count header").WithCause(err)
	}
	count := binary.BigEndian.Uint32(scratch[:])
	if count > maxSlots {
		return nil, types.NewError(types.ErrSerialization,
			fmt.Sprintf("slot count %d exceeds limit", count))
	}

	slots := make([]types.Slot, count)
	for i := range slots {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, types.NewError(types.ErrSerialization,
				fmt.Sprintf("blob truncated at slot %d presence flag", i)).WithCause(err)
		}
		switch flag {
		case 0:
			// empty slot
		case 1:
			if _, err := io.ReadFull(r, scratch[:]); err != nil {
				return nil, types.NewError(types.ErrSerialization,
					fmt.Sprintf("blob truncated at slot %d length", i)).WithCause(err)
			}
			n := binary.BigEndian.Uint32(scratch[:])
			if n > maxSlotPayload {
				return nil, types.NewError(types.ErrSerialization,
					fmt.Sprintf("slot %d payload length %d exceeds limit", i, n))
			}
			payload := make([]byte, n)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, types.NewError(types.ErrSerialization,
					fmt.Sprintf("blob truncated at slot %d payload", i)).WithCause(err)
			}
			slots[i].Payload = payload
		default:
			return nil, types.NewError(types.ErrSerialization,
				fmt.Sprintf("slot %d has invalid presence flag 0x%02x", i, flag))
		}
	}

	if r.Len() != 0 {
		return nil, types.NewError(types.ErrSerialization,
			fmt.Sprintf("%d trailing bytes after last slot", r.Len()))
	}

	return slots, nil
}

func deflate(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return "", types.NewError(types.ErrSerialization, "compression failed").WithCause(err)
	}
	if err := zw.Close(); err != nil {
		return "", types.NewError(types.ErrSerialization, "compression failed").WithCause(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
