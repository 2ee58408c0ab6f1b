// Package ingest turns delimited interaction exports into events and feeds
// them to the event store.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/okian/strata/internal/domain/identity"
	"github.com/okian/strata/internal/domain/model"
)

// RejectReason classifies why a row was rejected.
type RejectReason string

// Rejection reasons.
const (
	ReasonMalformed     RejectReason = "malformed"
	ReasonMissingColumn RejectReason = "missing_column"
	ReasonEmptyKey      RejectReason = "empty_key"
	ReasonBadTimestamp  RejectReason = "bad_timestamp"
	ReasonBadEventType  RejectReason = "bad_event_type"
	ReasonBadNumber     RejectReason = "bad_number"
)

// RejectedRow is a row that could not become an event. Err wraps
// ErrRowRejected.
type RejectedRow struct {
	Line   int
	Fields []string
	Reason RejectReason
	Err    error
}

func (r *RejectedRow) Error() string {
	return fmt.Sprintf("line %d: %v", r.Line, r.Err)
}

func (r *RejectedRow) Unwrap() error { return r.Err }

func reject(line int, fields []string, reason RejectReason, format string, args ...any) *RejectedRow {
	return &RejectedRow{
		Line:   line,
		Fields: fields,
		Reason: reason,
		Err:    fmt.Errorf("%w: %s", ErrRowRejected, fmt.Sprintf(format, args...)),
	}
}

// Outcome is one parsed row: exactly one of Event and Rejected is set.
type Outcome struct {
	Line     int
	Event    *model.InteractionEvent
	Rejected *RejectedRow
}

// OK reports whether the row produced an event.
func (o Outcome) OK() bool { return o.Event != nil }

// Timestamp layouts without a zone are read as UTC. Fractional seconds are
// accepted after any seconds field.
var timestampLayouts = []string{ //nolint:gochecknoglobals // read-only lookup table
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04:05",
	time.DateTime,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	time.DateOnly,
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Parser reads delimited sources with a header row.
type Parser struct {
	mapping Mapping
	gen     identity.Generator
}

// NewParser builds a parser deriving identities with gen. Zero fields of m
// take their DefaultMapping values.
func NewParser(gen identity.Generator, m Mapping) *Parser {
	return &Parser{mapping: m.withDefaults(), gen: gen}
}

// Mapping returns the effective mapping.
func (p *Parser) Mapping() Mapping { return p.mapping }

// Open opens the file at path and reads its header. Files ending in .sz are
// read through the snappy framing format.
func (p *Parser) Open(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceNotFound, path, err)
	}
	var r io.Reader = f
	if strings.EqualFold(filepath.Ext(path), ".sz") {
		r = snappy.NewReader(f)
	}
	s, err := p.parse(r, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Parse reads the header from r and returns a stream over the remaining
// rows. The caller owns r.
func (p *Parser) Parse(r io.Reader) (*Stream, error) {
	return p.parse(r, nil)
}

func (p *Parser) parse(r io.Reader, closer io.Closer) (*Stream, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty source, no header", ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrMissingColumn, err)
	}
	idx, err := resolveColumns(header, p.mapping.Columns)
	if err != nil {
		return nil, err
	}
	return &Stream{parser: p, r: cr, closer: closer, idx: idx}, nil
}

// columnIndex holds header positions; -1 marks an absent optional column.
type columnIndex struct {
	subject, object, timestamp                      int
	eventType, device, session, watchTime, duration int
}

func resolveColumns(header []string, c Columns) (columnIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	find := func(name, def string) int {
		if i, ok := pos[name]; ok {
			return i
		}
		if name != def {
			return -1
		}
		for _, alias := range headerAliases[def] {
			if i, ok := pos[alias]; ok {
				return i
			}
		}
		return -1
	}

	idx := columnIndex{
		subject:   find(c.Subject, ColSubject),
		object:    find(c.Object, ColObject),
		timestamp: find(c.Timestamp, ColTimestamp),
		eventType: find(c.EventType, ColEventType),
		device:    find(c.Device, ColDevice),
		session:   find(c.Session, ColSession),
		watchTime: find(c.WatchTime, ColWatchTime),
		duration:  find(c.Duration, ColDuration),
	}
	var missing []string
	for _, req := range []struct {
		name string
		i    int
	}{{c.Subject, idx.subject}, {c.Object, idx.object}, {c.Timestamp, idx.timestamp}} {
		if req.i < 0 {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return idx, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return idx, nil
}

// Stream is a lazy, single-pass sequence of parsed rows. Iterating it again
// resumes where the previous iteration stopped.
type Stream struct {
	parser *Parser
	r      *csv.Reader
	closer io.Closer
	idx    columnIndex
	err    error
}

// All yields outcomes until the source is exhausted or limit events have
// been accepted; rejected rows do not count toward limit. A non-positive
// limit reads everything.
func (s *Stream) All(limit int) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		accepted := 0
		for limit <= 0 || accepted < limit {
			rec, err := s.r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					s.err = fmt.Errorf("ingest: read: %w", err)
					return
				}
				rr := reject(pe.StartLine, rec, ReasonMalformed, "%v", pe.Err)
				if !yield(Outcome{Line: pe.StartLine, Rejected: rr}) {
					return
				}
				continue
			}
			line, _ := s.r.FieldPos(0)
			out := s.parser.row(line, rec, s.idx)
			if out.OK() {
				accepted++
			}
			if !yield(out) {
				return
			}
		}
	}
}

// Err returns the I/O error that ended iteration early, if any.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying file when the stream was opened by path.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (p *Parser) row(line int, rec []string, idx columnIndex) Outcome {
	fields := make([]string, len(rec))
	for i, f := range rec {
		fields[i] = strings.TrimSpace(f)
	}
	get := func(i int) (string, bool) {
		if i < 0 || i >= len(fields) {
			return "", false
		}
		return fields[i], true
	}
	rejected := func(reason RejectReason, format string, args ...any) Outcome {
		return Outcome{Line: line, Rejected: reject(line, rec, reason, format, args...)}
	}
	m := p.mapping

	subjectKey, ok := get(idx.subject)
	if !ok {
		return rejected(ReasonMissingColumn, "no %s field", m.Columns.Subject)
	}
	objectKey, ok := get(idx.object)
	if !ok {
		return rejected(ReasonMissingColumn, "no %s field", m.Columns.Object)
	}
	rawTS, ok := get(idx.timestamp)
	if !ok {
		return rejected(ReasonMissingColumn, "no %s field", m.Columns.Timestamp)
	}
	switch {
	case subjectKey == "":
		return rejected(ReasonEmptyKey, "empty %s", m.Columns.Subject)
	case objectKey == "":
		return rejected(ReasonEmptyKey, "empty %s", m.Columns.Object)
	}
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return rejected(ReasonBadTimestamp, "%v", err)
	}

	e := &model.InteractionEvent{
		SubjectID: p.gen.Derive(m.SubjectTag, subjectKey),
		ObjectID:  p.gen.Derive(m.ObjectTag, objectKey),
		EventType: m.DefaultEventType,
		Timestamp: ts,
		Context:   make(map[string]string, len(m.DefaultContext)+1),
	}
	for k, v := range m.DefaultContext {
		e.Context[k] = v
	}
	if v, _ := get(idx.eventType); v != "" {
		if e.EventType, err = model.ParseEventType(v); err != nil {
			return rejected(ReasonBadEventType, "%v", err)
		}
	}
	if v, _ := get(idx.device); v != "" {
		e.Context[model.ContextDevice] = strings.ToUpper(v)
	}
	for _, num := range []struct {
		i    int
		name string
		dst  **int64
	}{{idx.watchTime, m.Columns.WatchTime, &e.WatchTime}, {idx.duration, m.Columns.Duration, &e.Duration}} {
		v, _ := get(num.i)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return rejected(ReasonBadNumber, "%s: %q is not a non-negative integer", num.name, v)
		}
		*num.dst = model.Ptr(n)
	}
	if v, _ := get(idx.session); v != "" {
		e.SessionID = v
	} else {
		e.SessionID = m.Session(e.SubjectID, e.Timestamp)
	}
	if len(e.Context) == 0 {
		e.Context = nil
	}
	return Outcome{Line: line, Event: e}
}
