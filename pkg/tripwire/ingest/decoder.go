// Package ingest turns JSON event streams into tripwire events.
//
// Three body shapes are accepted: a single JSON object (which may span
// lines), a JSON array of objects, or newline-delimited JSON. Each object may
// carry
//
//	timestamp   RFC3339 string or Unix seconds (fractions allowed)
//	level       free-form level, e.g. "error"
//	message     rendered message
//	properties  arbitrary key/values
//
// The compact log event keys @t, @l, @m and @mt are read as aliases. Every
// other top-level key is merged into the event properties, overriding a key
// of the same name in "properties". A missing timestamp means "now" on the
// decoder's clock.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
)

// maxUnixSeconds keeps float-to-int conversion of numeric timestamps exact
// and in range.
const maxUnixSeconds = 1 << 53

var errBadTimestamp = errors.New("timestamp must be an RFC3339 string or Unix seconds")

// RecordError reports one malformed record. Decoding can continue after it.
type RecordError struct {
	Record int
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Record, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// reservedKeys are read into Event fields and never copied to Properties.
var reservedKeys = map[string]bool{
	"timestamp":  true,
	"@t":         true,
	"level":      true,
	"@l":         true,
	"message":    true,
	"@m":         true,
	"@mt":        true,
	"properties": true,
}

// Decoder reads events one at a time from a stream.
type Decoder struct {
	r       *bufio.Reader
	clock   clockwork.Clock
	started bool
	array   *json.Decoder
	pending []byte
	eof     bool
	record  int
}

// NewDecoder returns a decoder reading from r. A nil clock means the real clock.
func NewDecoder(r io.Reader, clock clockwork.Clock) *Decoder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Decoder{r: bufio.NewReader(r), clock: clock}
}

// Next returns the next event. It returns io.EOF at the end of the stream and
// a *RecordError for a record that could not be parsed; any other error is
// fatal.
func (d *Decoder) Next() (tripwire.Event, error) {
	if !d.started {
		d.started = true
		if err := d.detect(); err != nil {
			return tripwire.Event{}, err
		}
	}
	if d.array != nil {
		return d.nextElement()
	}
	return d.nextValue()
}

// nextValue decodes the next top-level value outside array mode. Input is
// read a line at a time; a value left incomplete at the end of a line pulls
// in the following lines until it closes. A syntax error discards the
// pending input as one bad record.
func (d *Decoder) nextValue() (tripwire.Event, error) {
	for {
		d.pending = bytes.TrimLeft(d.pending, " \t\r\n")
		if len(d.pending) > 0 {
			dec := json.NewDecoder(bytes.NewReader(d.pending))
			var raw json.RawMessage
			err := dec.Decode(&raw)
			switch {
			case err == nil:
				d.pending = d.pending[dec.InputOffset():]
				return d.emit(raw)
			case errors.Is(err, io.ErrUnexpectedEOF) && !d.eof:
				// continued on the next line
			default:
				d.pending = nil
				d.record++
				return tripwire.Event{}, &RecordError{Record: d.record, Err: err}
			}
		} else if d.eof {
			return tripwire.Event{}, io.EOF
		}

		line, err := d.r.ReadBytes('\n')
		d.pending = append(d.pending, line...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return tripwire.Event{}, err
			}
			d.eof = true
		}
	}
}

func (d *Decoder) emit(raw []byte) (tripwire.Event, error) {
	d.record++
	ev, err := d.parse(raw)
	if err != nil {
		return tripwire.Event{}, &RecordError{Record: d.record, Err: err}
	}
	return ev, nil
}

// detect switches to array mode when the first non-space byte is '['.
func (d *Decoder) detect() error {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if err := d.r.UnreadByte(); err != nil {
			return err
		}
		if b == '[' {
			d.array = json.NewDecoder(d.r)
			if _, err := d.array.Token(); err != nil {
				return fmt.Errorf("read array start: %w", err)
			}
		}
		return nil
	}
}

func (d *Decoder) nextElement() (tripwire.Event, error) {
	if !d.array.More() {
		if _, err := d.array.Token(); err != nil {
			return tripwire.Event{}, fmt.Errorf("read array end: %w", err)
		}
		return tripwire.Event{}, io.EOF
	}
	var raw json.RawMessage
	if err := d.array.Decode(&raw); err != nil {
		return tripwire.Event{}, fmt.Errorf("decode array element: %w", err)
	}
	return d.emit(raw)
}

func (d *Decoder) parse(raw []byte) (tripwire.Event, error) {
	if len(raw) == 0 || raw[0] != '{' {
		return tripwire.Event{}, errors.New("event must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return tripwire.Event{}, err
	}

	tsRaw := fields["timestamp"]
	if isAbsent(tsRaw) {
		tsRaw = fields["@t"]
	}
	ts, err := d.timestamp(tsRaw)
	if err != nil {
		return tripwire.Event{}, err
	}
	level, err := stringField(fields, "level", "@l")
	if err != nil {
		return tripwire.Event{}, err
	}
	message, err := stringField(fields, "message", "@m", "@mt")
	if err != nil {
		return tripwire.Event{}, err
	}
	props, err := properties(fields)
	if err != nil {
		return tripwire.Event{}, err
	}

	return tripwire.Event{
		Timestamp:  ts,
		Level:      level,
		Message:    message,
		Properties: props,
	}, nil
}

// stringField returns the first non-empty string among keys.
func stringField(fields map[string]json.RawMessage, keys ...string) (string, error) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || isAbsent(raw) {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", fmt.Errorf("%s must be a string", key)
		}
		if v != "" {
			return v, nil
		}
	}
	return "", nil
}

func properties(fields map[string]json.RawMessage) (map[string]interface{}, error) {
	var props map[string]interface{}
	if raw, ok := fields["properties"]; ok && !isAbsent(raw) {
		if err := json.Unmarshal(raw, &props); err != nil {
			return nil, fmt.Errorf("properties must be an object: %w", err)
		}
	}
	for key, raw := range fields {
		if reservedKeys[key] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if props == nil {
			props = make(map[string]interface{}, len(fields))
		}
		props[key] = v
	}
	return props, nil
}

func (d *Decoder) timestamp(raw json.RawMessage) (time.Time, error) {
	if isAbsent(raw) {
		return d.clock.Now(), nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", errBadTimestamp, err)
		}
		return ts, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, errBadTimestamp
	}
	if math.IsNaN(f) || math.Abs(f) > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("%w: %v out of range", errBadTimestamp, f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
