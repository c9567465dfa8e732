package media

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// metaEntry is the archive member that maps stored names to file names.
const metaEntry = "_meta"

// ArchiveEntry maps a zip member to the file it carries. An empty Zip
// records a deletion of Name.
type ArchiveEntry struct {
	Name string `json:"name"`
	Zip  string `json:"zip,omitempty"`
}

// Deleted reports whether the entry records a removal.
func (e ArchiveEntry) Deleted() bool { return e.Zip == "" }

// ArchiveWriter builds one media batch. Members are stored under ordinals
// so file names never have to be valid zip paths.
type ArchiveWriter struct {
	buf     bytes.Buffer
	zw      *zip.Writer
	entries []ArchiveEntry
	size    int64
}

// NewArchiveWriter returns an empty batch.
func NewArchiveWriter() *ArchiveWriter {
	a := &ArchiveWriter{}
	a.zw = zip.NewWriter(&a.buf)
	return a
}

// AddFile adds the content of name.
func (a *ArchiveWriter) AddFile(name string, data []byte) error {
	member := strconv.Itoa(len(a.entries))
	w, err := a.zw.Create(member)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	a.entries = append(a.entries, ArchiveEntry{Name: name, Zip: member})
	a.size += int64(len(data))
	return nil
}

// AddDeletion records that name was removed.
func (a *ArchiveWriter) AddDeletion(name string) {
	a.entries = append(a.entries, ArchiveEntry{Name: name})
}

// Len returns the number of entries in the batch.
func (a *ArchiveWriter) Len() int { return len(a.entries) }

// Size returns the uncompressed bytes added so far.
func (a *ArchiveWriter) Size() int64 { return a.size }

// Full reports whether the batch reached its file or byte limit.
func (a *ArchiveWriter) Full() bool {
	return len(a.entries) >= types.MediaBatchFiles || a.size >= types.MediaBatchBytes
}

// Close writes the name map and returns the archive bytes.
func (a *ArchiveWriter) Close() ([]byte, error) {
	w, err := a.zw.Create(metaEntry)
	if err != nil {
		return nil, fmt.Errorf("writing media archive meta: %w", err)
	}
	entries := a.entries
	if entries == nil {
		entries = []ArchiveEntry{}
	}
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		return nil, fmt.Errorf("writing media archive meta: %w", err)
	}
	if err := a.zw.Close(); err != nil {
		return nil, fmt.Errorf("closing media archive: %w", err)
	}
	return a.buf.Bytes(), nil
}

// Archive is a decoded media batch.
type Archive struct {
	Entries []ArchiveEntry
	zr      *zip.Reader
}

// ReadArchive reads a batch of at most limit bytes from r.
func ReadArchive(r io.Reader, limit int64) (*Archive, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading media archive: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: archive exceeds %d bytes", types.ErrMediaTooLarge, limit)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: media archive: %v", types.ErrIntegrity, err)
	}
	a := &Archive{zr: zr}
	rc, err := zr.Open(metaEntry)
	if err != nil {
		return nil, fmt.Errorf("%w: media archive has no %s", types.ErrIntegrity, metaEntry)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(&a.Entries); err != nil {
		return nil, fmt.Errorf("%w: media archive meta: %v", types.ErrIntegrity, err)
	}
	for _, e := range a.Entries {
		if err := ValidName(e.Name); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Open returns the content of a non-deletion entry.
func (a *Archive) Open(e ArchiveEntry) ([]byte, error) {
	if e.Deleted() {
		return nil, fmt.Errorf("%s is a deletion", e.Name)
	}
	rc, err := a.zr.Open(e.Zip)
	if err != nil {
		return nil, fmt.Errorf("%w: media archive lacks %s", types.ErrIntegrity, e.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, types.MediaMaxFile+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", e.Name, err)
	}
	if len(data) > types.MediaMaxFile {
		return nil, fmt.Errorf("%w: %s", types.ErrMediaTooLarge, e.Name)
	}
	return data, nil
}

// MaxArchiveBytes bounds an archive accepted from a peer. A batch closes
// once it passes MediaBatchBytes, so one file of up to MediaMaxFile can
// still ride alone.
const MaxArchiveBytes = types.MediaMaxFile + types.MediaBatchBytes + 1<<20
