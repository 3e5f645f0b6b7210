package ndjson

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// DefaultMaxLineBytes bounds how much of a single record is buffered.
const DefaultMaxLineBytes = 1 << 20

// Record is one newline-delimited record. When TooLong is set, Line holds
// only the first MaxLineBytes of the record; the rest was discarded.
type Record struct {
	Line    []byte
	TooLong bool
}

// Splitter frames an append-only byte stream into records. Chunk
// boundaries are irrelevant: feeding a stream whole or one byte at a time
// yields the same records.
type Splitter struct {
	max     int
	buf     []byte
	discard bool
}

func NewSplitter(maxLineBytes int) *Splitter {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Splitter{max: maxLineBytes}
}

// Feed appends chunk and returns every record completed by it.
func (s *Splitter) Feed(chunk []byte) []Record {
	var out []Record
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.appendPartial(chunk)
			break
		}
		s.appendPartial(chunk[:i])
		out = append(out, s.take())
		chunk = chunk[i+1:]
	}
	return out
}

// Flush returns the unterminated tail, if any, and resets the splitter.
func (s *Splitter) Flush() (Record, bool) {
	if len(s.buf) == 0 && !s.discard {
		return Record{}, false
	}
	return s.take(), true
}

func (s *Splitter) appendPartial(p []byte) {
	if s.discard {
		return
	}
	if len(s.buf)+len(p) > s.max {
		if room := s.max - len(s.buf); room > 0 {
			s.buf = append(s.buf, p[:room]...)
		}
		s.discard = true
		return
	}
	s.buf = append(s.buf, p...)
}

func (s *Splitter) take() Record {
	rec := Record{Line: append([]byte(nil), s.buf...), TooLong: s.discard}
	s.buf = s.buf[:0]
	s.discard = false
	return rec
}

type Decoder struct {
	reader  io.Reader
	split   *Splitter
	chunk   []byte
	pending []Record
	err     error
}

func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxLineBytes)
}

func NewDecoderSize(r io.Reader, maxLineBytes int) *Decoder {
	return &Decoder{
		reader: r,
		split:  NewSplitter(maxLineBytes),
		chunk:  make([]byte, 32*1024),
	}
}

// Next returns the next record. At end of stream an unterminated tail is
// returned as a final record before the reader's error.
func (d *Decoder) Next() (Record, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			if rec, ok := d.split.Flush(); ok {
				return rec, nil
			}
			return Record{}, d.err
		}
		n, err := d.reader.Read(d.chunk)
		if n > 0 {
			d.pending = d.split.Feed(d.chunk[:n])
		}
		if err != nil {
			d.err = err
		}
	}
	rec := d.pending[0]
	d.pending = d.pending[1:]
	return rec, nil
}

// Decode reads the next non-blank record and unmarshals it into v.
func (d *Decoder) Decode(v any) error {
	for {
		rec, err := d.Next()
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(rec.Line)) == 0 {
			continue
		}
		return json.Unmarshal(rec.Line, v)
	}
}

type Encoder struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

func (e *Encoder) Encode(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.WriteLine(payload)
}

// WriteLine writes payload followed by a single newline as one write.
func (e *Encoder) WriteLine(payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.writer.Write(line)
	return err
}
