package snapstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Store file layout:
//
//	[4]byte  magic "DSNI"
//	uint16   format version (big-endian)
//	uint8    flags (bit 0: payload is zstd-compressed)
//	payload  (optionally compressed):
//	    int64   last-update, unix nanoseconds
//	    uint32  entry count
//	    entries, each:
//	        uint16 path length, path bytes (slash-separated, relative)
//	        uint16 identity length, identity bytes
//	        int64  file size
//	        int64  modification time, unix nanoseconds
//
// Version 1 entries carried no size or mtime; on load they migrate to
// Size=-1, which never matches a stat result and so forces a rehash.
const (
	// FormatVersion is the current store file format.
	FormatVersion uint16 = 2

	flagCompressed uint8 = 1 << 0

	maxEntryStringLen = 1 << 15
)

var storeMagic = [4]byte{'D', 'S', 'N', 'I'}

// ErrVersionIncompatible is returned when a store or snapshot file was written
// by a newer format version than this build understands.
var ErrVersionIncompatible = errors.New("store format version is newer than supported")

// ErrNotStoreFile is returned when a file does not start with the store magic.
var ErrNotStoreFile = errors.New("not a snapshot store file")

// Entry is the persisted record for one tracked file, keyed by its
// slash-separated path relative to the store's directory.
type Entry struct {
	Identity string
	Size     int64
	ModTime  int64 // unix nanoseconds
}

// index is the in-memory image of a store file.
type index struct {
	lastUpdate time.Time
	entries    map[string]Entry
}

func encodeIndex(w io.Writer, idx index, compress bool) error {
	header := make([]byte, 0, 7)
	header = append(header, storeMagic[:]...)
	header = binary.BigEndian.AppendUint16(header, FormatVersion)
	flags := uint8(0)
	if compress {
		flags |= flagCompressed
	}
	header = append(header, flags)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write store header: %w", err)
	}

	payload := w
	var zw *zstd.Encoder
	if compress {
		var err error
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		payload = zw
	}

	var buf bytes.Buffer
	scratch := make([]byte, 8)

	binary.BigEndian.PutUint64(scratch, uint64(idx.lastUpdate.UnixNano()))
	buf.Write(scratch)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(idx.entries)))
	buf.Write(scratch[:4])

	for path, e := range idx.entries {
		if len(path) >= maxEntryStringLen || len(e.Identity) >= maxEntryStringLen {
			return fmt.Errorf("entry path or identity too long: %s", path)
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(path)))
		buf.Write(scratch[:2])
		buf.WriteString(path)
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(e.Identity)))
		buf.Write(scratch[:2])
		buf.WriteString(e.Identity)
		binary.BigEndian.PutUint64(scratch, uint64(e.Size))
		buf.Write(scratch)
		binary.BigEndian.PutUint64(scratch, uint64(e.ModTime))
		buf.Write(scratch)
	}

	if _, err := payload.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write store payload: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finalize compressed payload: %w", err)
		}
	}
	return nil
}

func decodeIndex(r io.Reader) (index, error) {
	var idx index

	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return idx, fmt.Errorf("failed to read store header: %w", err)
	}
	if !bytes.Equal(header[:4], storeMagic[:]) {
		return idx, ErrNotStoreFile
	}
	version := binary.BigEndian.Uint16(header[4:6])
	if version > FormatVersion {
		return idx, fmt.Errorf("%w: file version %d, supported %d", ErrVersionIncompatible, version, FormatVersion)
	}
	flags := header[6]

	payload := r
	if flags&flagCompressed != 0 {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return idx, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		payload = zr
	}

	scratch := make([]byte, 8)
	if _, err := io.ReadFull(payload, scratch); err != nil {
		return idx, fmt.Errorf("failed to read store timestamp: %w", err)
	}
	idx.lastUpdate = time.Unix(0, int64(binary.BigEndian.Uint64(scratch))).UTC()

	if _, err := io.ReadFull(payload, scratch[:4]); err != nil {
		return idx, fmt.Errorf("failed to read entry count: %w", err)
	}
	count := binary.BigEndian.Uint32(scratch[:4])

	idx.entries = make(map[string]Entry, count)
	for i := uint32(0); i < count; i++ {
		path, err := readLenPrefixed(payload, scratch)
		if err != nil {
			return idx, fmt.Errorf("failed to read entry %d path: %w", i, err)
		}
		id, err := readLenPrefixed(payload, scratch)
		if err != nil {
			return idx, fmt.Errorf("failed to read entry %d identity: %w", i, err)
		}

		e := Entry{Identity: id, Size: -1}
		if version >= 2 {
			if _, err := io.ReadFull(payload, scratch); err != nil {
				return idx, fmt.Errorf("failed to read entry %d size: %w", i, err)
			}
			e.Size = int64(binary.BigEndian.Uint64(scratch))
			if _, err := io.ReadFull(payload, scratch); err != nil {
				return idx, fmt.Errorf("failed to read entry %d mtime: %w", i, err)
			}
			e.ModTime = int64(binary.BigEndian.Uint64(scratch))
		}
		idx.entries[path] = e
	}
	return idx, nil
}

func readLenPrefixed(r io.Reader, scratch []byte) (string, error) {
	if _, err := io.ReadFull(r, scratch[:2]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(scratch[:2])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
