package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot file layout, in protobuf wire format:
//
//	message Snapshot { repeated Record records = 1; }
//	message Record   { string token = 1; bytes payload = 2; }
const (
	fieldRecords protowire.Number = 1
	fieldToken   protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// File is a Memory store persisted to a single snapshot file.
type File struct {
	*Memory
	path string
}

// OpenFile loads the snapshot at path, if any, into a store of the given
// capacity. A missing file yields an empty store.
func OpenFile(path string, capacity int) (*File, error) {
	f := &File{Memory: NewMemory(capacity), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}
	records, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache file %s: %w", path, err)
	}
	f.mu.Lock()
	for _, r := range records {
		f.putLocked(r.token, r.data)
	}
	f.mu.Unlock()
	glog.V(1).Infof("[cache] loaded %d entries from %s", f.Len(), path)
	return f, nil
}

// Path returns the snapshot file path.
func (f *File) Path() string {
	return f.path
}

// Flush writes the current contents to disk.
func (f *File) Flush() error {
	data := encodeSnapshot(f.entries())

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace cache file %s: %w", f.path, err)
	}
	return nil
}

// Close flushes the store and closes it.
func (f *File) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	return f.Memory.Close()
}

func encodeSnapshot(entries []entry) []byte {
	var out []byte
	for _, e := range entries {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldToken, protowire.BytesType)
		rec = protowire.AppendString(rec, e.token)
		rec = protowire.AppendTag(rec, fieldPayload, protowire.BytesType)
		rec = protowire.AppendBytes(rec, e.data)

		out = protowire.AppendTag(out, fieldRecords, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}
	return out
}

func decodeSnapshot(data []byte) ([]entry, error) {
	var out []entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if num != fieldRecords || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		rec, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		e, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeRecord(data []byte) (entry, error) {
	var e entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return entry{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return entry{}, protowire.ParseError(n)
			}
			e.token = v
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return entry{}, protowire.ParseError(n)
			}
			e.data = append([]byte(nil), v...)
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return entry{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if e.token == "" {
		return entry{}, errors.New("cache record without token")
	}
	return e, nil
}
