package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entrhq/ledger/pkg/grammar"
	"github.com/entrhq/ledger/pkg/types"
)

// maxSectionOffsets caps how many section offsets an index retains. Only
// the most recent offsets matter: they exist to let tail queries seek near
// the end of the file instead of scanning from the start.
const maxSectionOffsets = 256

// SectionOffset locates one section header inside a log file.
type SectionOffset struct {
	// Offset is the byte offset of the first byte of the header line.
	Offset int64
	// Line is the header's line number.
	Line int64
	// Type is the record type the header opens.
	Type types.RecordType
}

// Index is derived, cached metadata for one log file. It is never
// authoritative: it is trusted only while the file's (size, mtime) match
// the values observed when it was built.
type Index struct {
	Path    string
	Size    int64
	ModTime time.Time
	// LastLine is the number of the last line that continued the
	// gap-free sequence. The next append starts at LastLine+1.
	LastLine int64
	// SectionOffsets holds the most recent section header positions,
	// oldest first, capped at maxSectionOffsets.
	SectionOffsets []SectionOffset
	// SchemaVersion is the format version the file declares, when its
	// first record is a schema record.
	SchemaVersion string
	// NewerMajor is set when the file declares a newer major version
	// than this implementation writes.
	NewerMajor bool
	// AnomalyLine is the 1-based ordinal of the first physical line whose
	// number broke the gap-free sequence, zero when the sequence held.
	// Appending to a file with an anomaly would write unreachable records,
	// so the writer refuses it.
	AnomalyLine int64
}

// indexCache is a per-instance cache of Index objects keyed by canonical
// path. It is deliberately not shared across instances or processes:
// validation against the file's actual (size, mtime) is the only
// coherence mechanism.
type indexCache struct {
	mu      sync.RWMutex
	entries map[string]*Index
	group   singleflight.Group
}

func newIndexCache() *indexCache {
	return &indexCache{entries: make(map[string]*Index)}
}

// get returns the cached index when the file's current (size, mtime) match
// the cached observation, or rebuilds it. Concurrent rebuilds of the same
// file are collapsed into one scan.
func (c *indexCache) get(path string) (*Index, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished; drop any stale entry.
			c.invalidate(path)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("store: failed to stat %s: %w", path, err)
	}

	c.mu.RLock()
	cached, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && cached.Size == info.Size() && cached.ModTime.Equal(info.ModTime()) {
		return cached, nil
	}

	built, err, _ := c.group.Do(path, func() (interface{}, error) {
		idx, buildErr := buildIndex(path)
		if buildErr != nil {
			return nil, buildErr
		}
		c.mu.Lock()
		c.entries[path] = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return built.(*Index), nil
}

// put replaces the cached entry for idx.Path.
func (c *indexCache) put(path string, idx *Index) {
	c.mu.Lock()
	c.entries[path] = idx
	c.mu.Unlock()
}

// invalidate drops the cached entry for path, if any.
func (c *indexCache) invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// buildIndex scans the file once with a bounded buffer, recording the last
// valid line number and the tail section offsets. It reads every line but
// never holds more than one line in memory.
func buildIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s for indexing: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: failed to stat %s: %w", path, err)
	}

	idx := &Index{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	reader := bufio.NewReader(f)
	var offset int64
	var expected int64 = 1
	var ordinal int64
	sawFirstHeader := false
	inSchema := false

	for {
		text, readErr := reader.ReadString('\n')
		lineStart := offset
		offset += int64(len(text))
		text = strings.TrimSuffix(text, "\n")

		if text != "" || readErr == nil {
			ordinal++
			line := grammar.DecodeLine(text)
			if line.Kind == types.LineKindMalformed {
				// An in-sequence number with unusable content keeps its
				// slot in the numbering; a line with no number at all
				// sits outside the sequence.
				if line.Number == expected {
					expected++
					idx.LastLine = line.Number
					inSchema = false
				}
			} else if line.Number == expected {
				expected++
				idx.LastLine = line.Number
				switch line.Kind {
				case types.LineKindHeader:
					idx.SectionOffsets = append(idx.SectionOffsets, SectionOffset{
						Offset: lineStart,
						Line:   line.Number,
						Type:   headerType(line.Content),
					})
					if len(idx.SectionOffsets) > maxSectionOffsets {
						idx.SectionOffsets = idx.SectionOffsets[1:]
					}
					inSchema = !sawFirstHeader && headerType(line.Content) == types.RecordTypeSchema
					sawFirstHeader = true
				case types.LineKindField:
					if inSchema {
						if version, ok := strings.CutPrefix(line.Content, "version="); ok {
							idx.SchemaVersion = grammar.UnescapeValue(version)
							idx.NewerMajor = newerMajor(idx.SchemaVersion)
						}
					}
				case types.LineKindBlank:
					inSchema = false
				}
			} else {
				// Numbering anomaly: everything after is untrusted.
				idx.AnomalyLine = ordinal
				break
			}
		}

		if readErr != nil {
			if readErr != io.EOF {
				return nil, fmt.Errorf("store: failed reading %s: %w", path, readErr)
			}
			break
		}
	}

	return idx, nil
}

func headerType(content string) types.RecordType {
	token := strings.TrimPrefix(content, "@")
	token, _, _ = strings.Cut(token, ":")
	if idx := strings.IndexByte(token, ' '); idx >= 0 {
		// Legacy single-line form carries its payload after a space.
		token = token[:idx]
	}
	if token == "INSIGHTS" {
		return types.RecordTypeInsight
	}
	return types.ParseRecordType(token)
}

func newerMajor(version string) bool {
	major, _, _ := strings.Cut(version, ".")
	ownMajor, _, _ := strings.Cut(grammar.SchemaVersion, ".")
	declared, err1 := strconv.Atoi(major)
	own, err2 := strconv.Atoi(ownMajor)
	return err1 == nil && err2 == nil && declared > own
}
