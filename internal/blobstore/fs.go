package blobstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const maxHeaderSize = 64 * 1024

// FSStore keeps each blob in a single file under dir:
//
//	<dir>/<last two id chars>/<id>.blob
//
// The file holds a 4-byte big-endian header length, the JSON metadata and
// then the sealed bytes. Files are written to a temp name, fsynced and
// published with os.Link, which fails if the final name already exists.
type FSStore struct {
	dir string
}

// NewFSStore creates dir if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Put(ctx context.Context, id string, data []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put", err)
	}
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if !Verify(id, data) {
		return ErrDataInconsistent
	}

	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode blob metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return unavailable("put", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+id+".*.tmp")
	if err != nil {
		return unavailable("put", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeBlob(tmp, header, data); err != nil {
		tmp.Close()
		return unavailable("put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return unavailable("put", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("put", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyExists
		}
		return unavailable("put", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, id string) (Object, error) {
	return s.read(ctx, "get", id, true)
}

func (s *FSStore) Stat(ctx context.Context, id string) (Metadata, error) {
	obj, err := s.read(ctx, "stat", id, false)
	return obj.Metadata, err
}

func (s *FSStore) read(ctx context.Context, op, id string, withData bool) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, unavailable(op, err)
	}
	path, err := s.path(id)
	if err != nil {
		if errors.Is(err, ErrInvalidID) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, unavailable(op, err)
	}
	defer f.Close()

	obj, err := readBlob(bufio.NewReader(f), withData)
	if err != nil {
		return Object{}, unavailable(op, fmt.Errorf("%s: %w", path, err))
	}
	return obj, nil
}

func (s *FSStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return unavailable("ping", err)
	}
	if !info.IsDir() {
		return unavailable("ping", fmt.Errorf("%s is not a directory", s.dir))
	}
	return ctx.Err()
}

// path validates id before it is used to build a filesystem path.
func (s *FSStore) path(id string) (string, error) {
	canonical, err := ParseID(id)
	if err != nil {
		return "", err
	}
	if canonical != id {
		return "", fmt.Errorf("%w: non-canonical form", ErrInvalidID)
	}
	shard := id[len(id)-2:]
	return filepath.Join(s.dir, shard, id+".blob"), nil
}

func writeBlob(w io.Writer, header, data []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(header)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBlob(r io.Reader, withData bool) (Object, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return Object{}, fmt.Errorf("read header size: %w", err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxHeaderSize {
		return Object{}, fmt.Errorf("header size %d exceeds limit", n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return Object{}, fmt.Errorf("read header: %w", err)
	}

	var obj Object
	if err := json.Unmarshal(header, &obj.Metadata); err != nil {
		return Object{}, fmt.Errorf("decode header: %w", err)
	}

	if !withData {
		return obj, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("read data: %w", err)
	}
	obj.Data = data
	return obj, nil
}

var _ Store = (*FSStore)(nil)
