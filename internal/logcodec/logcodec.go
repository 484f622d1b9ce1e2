// Package logcodec decodes and encodes the timestamped log recordings produced
// by `script --log-timing`: a raw content file plus a timing file whose lines
// are "<delay-seconds> <length>".
package logcodec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	LogsFile    = "logs.txt"
	TimingsFile = "timings.txt"

	// MaxBuildLogSize bounds how much recorded content is decoded.
	MaxBuildLogSize = 1_000_000
	// MaxLogSize bounds per-execution side-channel log files.
	MaxLogSize = 5 * 1024 * 1024

	TimestampLayout = "2006-01-02T15:04:05.000-07:00"
)

var TruncatedMessage = fmt.Sprintf("Logs truncated due to size exceeding %.2fMB.", float64(MaxLogSize)/1048576)

type Entry struct {
	Timestamp time.Time
	Content   string
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		Content   string `json:"content"`
	}{FormatTimestamp(e.Timestamp), e.Content})
}

// Timing is one parsed record of the timing stream.
type Timing struct {
	At     time.Time
	Length int
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// FormatLine renders an entry for live streaming: one line per entry with
// embedded newlines escaped.
func FormatLine(e Entry) string {
	return FormatTimestamp(e.Timestamp) + " " + strings.ReplaceAll(e.Content, "\n", "\\n") + "\n"
}

// ParseTimings parses the whole timing stream, advancing a clock seeded at start.
func ParseTimings(data string, start time.Time) []Timing {
	clock := start
	var out []Timing
	for _, row := range strings.Split(data, "\n") {
		t, ok := parseTimingRow(row, clock)
		if !ok {
			continue
		}
		clock = t.At
		out = append(out, t)
	}
	return out
}

func parseTimingRow(row string, clock time.Time) (Timing, bool) {
	row = strings.TrimRight(row, "\r")
	if row == "" {
		return Timing{}, false
	}
	delayField, lengthField, _ := strings.Cut(row, " ")

	delay, err := strconv.ParseFloat(strings.TrimSpace(delayField), 64)
	if err != nil || delay < 0 {
		delay = 0
	}
	micros := math.Ceil(delay * 1_000_000)

	length, err := strconv.Atoi(strings.TrimSpace(lengthField))
	if err != nil {
		length = 0
	}

	return Timing{
		At:     clock.Add(time.Duration(micros) * time.Microsecond),
		Length: length,
	}, true
}

// Decoder turns timing rows into log entries one at a time, reading content
// from logs. It is used both for whole files and for live tailing.
//
// The running offset accumulates the signed record length while each slice
// reads |length| bytes, so a negative length rewinds the next read.
type Decoder struct {
	logs      io.ReaderAt
	clock     time.Time
	offset    int
	preamble  int
	truncated bool
}

func NewDecoder(logs io.ReaderAt, start time.Time) *Decoder {
	return &Decoder{logs: logs, clock: start, preamble: -1}
}

// Next decodes one timing row. ok is false for blank rows and for every row
// after the truncation entry has been emitted.
func (d *Decoder) Next(row string) (Entry, bool, error) {
	if d.truncated {
		return Entry{}, false, nil
	}
	t, ok := parseTimingRow(row, d.clock)
	if !ok {
		return Entry{}, false, nil
	}
	d.clock = t.At
	return d.decode(t)
}

func (d *Decoder) decode(t Timing) (Entry, bool, error) {
	if d.offset >= MaxBuildLogSize {
		d.truncated = true
		return Entry{Timestamp: t.At, Content: TruncatedMessage}, true, nil
	}

	if d.preamble < 0 {
		n, err := d.readPreamble()
		if err != nil {
			return Entry{}, false, err
		}
		d.preamble = n
	}

	content, err := d.slice(d.preamble+d.offset, abs(t.Length))
	if err != nil {
		return Entry{}, false, err
	}
	d.offset += t.Length

	return Entry{Timestamp: t.At, Content: content}, true, nil
}

// readPreamble measures the line the recorder writes itself
// ("Script started on ..."), including its line break.
func (d *Decoder) readPreamble() (int, error) {
	r := bufio.NewReader(io.NewSectionReader(d.logs, 0, math.MaxInt64))
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read preamble: %w", err)
	}
	if errors.Is(err, io.EOF) {
		return len(line) + 1, nil
	}
	return len(line), nil
}

func (d *Decoder) slice(start, length int) (string, error) {
	if start < 0 {
		start = 0
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	n, err := d.logs.ReadAt(buf, int64(start))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read logs at %d: %w", start, err)
	}
	return string(buf[:n]), nil
}

// Decode reconstructs all entries from a recorded logs/timings pair.
func Decode(logs []byte, timings string, start time.Time) []Entry {
	d := NewDecoder(bytes.NewReader(logs), start)
	var out []Entry
	for _, t := range ParseTimings(timings, start) {
		e, ok, err := d.decode(t)
		if err != nil || !ok {
			break
		}
		out = append(out, e)
		if d.truncated {
			break
		}
	}
	return out
}

// ReadDir decodes the recording stored in dir. Missing files yield no entries.
func ReadDir(dir string, start time.Time) ([]Entry, error) {
	logs, err := os.ReadFile(filepath.Join(dir, LogsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	timings, err := os.ReadFile(filepath.Join(dir, TimingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read timings: %w", err)
	}
	return Decode(logs, string(timings), start), nil
}

// Join concatenates entry contents.
func Join(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Content)
	}
	return b.String()
}

// Encoder writes entries in the recorder's format.
type Encoder struct {
	logs    io.Writer
	timings io.Writer
	last    time.Time
}

func NewEncoder(logs, timings io.Writer, start time.Time) *Encoder {
	return &Encoder{logs: logs, timings: timings, last: start}
}

// WritePreamble writes the single header line the decoder skips.
func (e *Encoder) WritePreamble(line string) error {
	_, err := io.WriteString(e.logs, strings.TrimRight(line, "\n")+"\n")
	return err
}

func (e *Encoder) Encode(entry Entry) error {
	delta := entry.Timestamp.Sub(e.last)
	if delta < 0 {
		delta = 0
	}
	if _, err := io.WriteString(e.logs, entry.Content); err != nil {
		return fmt.Errorf("write logs: %w", err)
	}
	row := strconv.FormatFloat(delta.Seconds(), 'f', 6, 64) + " " + strconv.Itoa(len(entry.Content)) + "\n"
	if _, err := io.WriteString(e.timings, row); err != nil {
		return fmt.Errorf("write timings: %w", err)
	}
	if entry.Timestamp.After(e.last) {
		e.last = entry.Timestamp
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
