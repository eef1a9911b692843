package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/entrhq/ledger/pkg/grammar"
	"github.com/entrhq/ledger/pkg/types"
)

// lineSource yields raw lines one at a time. The two implementations trade
// memory for syscalls: small files are split in memory, large files are
// streamed through a bounded buffer.
type lineSource interface {
	next() (string, bool, error)
	close() error
}

// sliceSource serves lines from an already loaded file.
type sliceSource struct {
	lines []string
	pos   int
}

func (s *sliceSource) next() (string, bool, error) {
	if s.pos >= len(s.lines) {
		return "", false, nil
	}
	line := s.lines[s.pos]
	s.pos++
	return line, true, nil
}

func (s *sliceSource) close() error { return nil }

// fileSource streams lines from an open file. Peak memory is proportional
// to the longest single line, never to the file size.
type fileSource struct {
	f      *os.File
	reader *bufio.Reader
	done   bool
}

func newFileSource(path string, offset int64) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("store: failed to seek %s: %w", path, err)
		}
	}
	return &fileSource{f: f, reader: bufio.NewReader(f)}, nil
}

func (s *fileSource) next() (string, bool, error) {
	if s.done {
		return "", false, nil
	}
	text, err := s.reader.ReadString('\n')
	if err != nil {
		s.done = true
		if err != io.EOF {
			return "", false, err
		}
		if text == "" {
			return "", false, nil
		}
	}
	return strings.TrimSuffix(text, "\n"), true, nil
}

func (s *fileSource) close() error { return s.f.Close() }

// Scan is a lazy sequence of records satisfying a predicate. It is pull
// based: no line is read before Next demands it, and an abandoned scan
// holds no resources once closed. Restart by calling ScanRange again.
type Scan struct {
	src     lineSource
	dec     *grammar.Decoder
	pred    Predicate
	pending []types.Record
	err     error
	done    bool
}

// Next returns the next matching record. The second result is false when
// the scan is exhausted or failed; check Err afterwards.
func (s *Scan) Next() (types.Record, bool) {
	for {
		if len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			if s.pred == nil || s.pred(rec) {
				return rec, true
			}
			continue
		}
		if s.done {
			return types.Record{}, false
		}

		line, ok, err := s.src.next()
		if err != nil {
			s.err = err
			s.done = true
			_ = s.src.close()
			return types.Record{}, false
		}
		if !ok {
			s.dec.Finish()
			s.done = true
			_ = s.src.close()
			continue
		}
		s.pending = append(s.pending, s.dec.Feed(line)...)
	}
}

// Err reports a read failure that terminated the scan early. Malformed
// content is never an error here; it is counted in Stats instead.
func (s *Scan) Err() error { return s.err }

// Stats exposes the decoder's skip counters for this scan so far.
func (s *Scan) Stats() grammar.DecodeStats { return s.dec.Stats() }

// Close releases the underlying file early. Safe to call at any point and
// more than once.
func (s *Scan) Close() error {
	if !s.done {
		s.done = true
		return s.src.close()
	}
	return nil
}
