// Package ingest turns JSON Lines event feeds into validated events.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// maxLineBytes bounds a single feed line.
const maxLineBytes = 4 * 1024 * 1024

// Sink receives each accepted event. Returning an error stops the read.
type Sink func(events.SecurityEvent) error

// wireEvent is the JSON form of one feed line.
type wireEvent struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	EventType string     `json:"event_type"`
	Target    string     `json:"target"`
	Timestamp *time.Time `json:"timestamp"`
	WriteMode *bool      `json:"write_mode"`
}

// Reader decodes, schema-checks and normalises feed lines. Bad lines are
// reported to the error handler and skipped.
type Reader struct {
	schema    *gojsonschema.Schema
	validator *events.Validator
	errors    *agerrors.ErrorHandler
	logger    zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
	onReject func(error)
}

// NewReader compiles the event schema and returns a Reader.
func NewReader(validator *events.Validator, errHandler *agerrors.ErrorHandler, logger zerolog.Logger) (*Reader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load event schema: %w", err)
	}
	if validator == nil {
		validator = events.NewValidator(0)
	}
	if errHandler == nil {
		errHandler = agerrors.NewErrorHandler(logger)
	}
	return &Reader{
		schema:    schema,
		validator: validator,
		errors:    errHandler,
		logger:    logger.With().Str("component", "ingest_reader").Logger(),
	}, nil
}

// DecodeLine turns one feed line into an event. The error, if any, is an
// *errors.IngestError.
func (r *Reader) DecodeLine(source string, lineNo int, line []byte) (events.SecurityEvent, error) {
	if !json.Valid(line) {
		var probe interface{}
		return events.SecurityEvent{}, agerrors.NewDecodeError(source, lineNo, json.Unmarshal(line, &probe))
	}

	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(line))
	if err != nil {
		return events.SecurityEvent{}, agerrors.NewDecodeError(source, lineNo, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return events.SecurityEvent{}, agerrors.NewSchemaError(source, lineNo, strings.Join(details, "; "))
	}

	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return events.SecurityEvent{}, agerrors.NewDecodeError(source, lineNo, err)
	}

	ev := events.SecurityEvent{
		ID:        w.ID,
		SessionID: w.SessionID,
		Type:      events.ParseEventType(w.EventType),
		Target:    w.Target,
		WriteMode: w.WriteMode,
	}
	if w.Timestamp != nil {
		ev.Timestamp = w.Timestamp.UTC()
	}
	if err := r.validator.Validate(&ev); err != nil {
		return events.SecurityEvent{}, agerrors.NewValidationError(source, lineNo, err)
	}
	return ev, nil
}

// Read streams every line of rd to sink. Malformed lines are skipped; the
// returned error is an I/O, context or sink error. lineOffset is added to
// reported line numbers for callers resuming mid-file.
func (r *Reader) Read(ctx context.Context, source string, rd io.Reader, lineOffset int, sink Sink) (int, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	delivered := 0
	lineNo := lineOffset
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev, err := r.DecodeLine(source, lineNo, line)
		if err != nil {
			r.rejected.Add(1)
			r.errors.HandleError(err)
			if r.onReject != nil {
				r.onReject(err)
			}
			continue
		}
		r.accepted.Add(1)

		if err := sink(ev); err != nil {
			return delivered, err
		}
		delivered++
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("%s: failed to read line %d: %w", source, lineNo+1, err)
	}
	return delivered, nil
}

// ReadFile reads a feed file, transparently decompressing ".zst" files.
func (r *Reader) ReadFile(ctx context.Context, path string, sink Sink) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open feed: %w", err)
	}
	defer f.Close()

	var rd io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		rd = dec
	}

	n, err := r.Read(ctx, path, rd, 0, sink)
	r.logger.Info().
		Str("source", path).
		Int("events", n).
		Int64("rejected", r.rejected.Load()).
		Msg("Feed read")
	return n, err
}

// OnReject registers a callback run for every rejected line. It must be
// set before the first Read.
func (r *Reader) OnReject(fn func(error)) {
	r.onReject = fn
}

// Stats returns the number of lines accepted and rejected so far.
func (r *Reader) Stats() (accepted, rejected int64) {
	return r.accepted.Load(), r.rejected.Load()
}
