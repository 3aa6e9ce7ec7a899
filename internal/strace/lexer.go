package strace

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// FramedLine is one logical line of tracer output with its prefix split off.
type FramedLine struct {
	PID  int
	TID  int // equal to PID for the thread-group leader
	Time time.Time
	Body string
	Raw  string
	No   int // 1-based line number in the input
}

// Framer splits a byte stream into framed lines. It is a forward-only
// iterator: call Next until it returns io.EOF.
type Framer struct {
	scanner *bufio.Scanner
	lineNo  int
}

// Framed lines can get long: a 4096-byte string cap plus escapes, struct
// dumps from -v, and the fixed prefix. 1 MiB of headroom covers every line
// strace emits under the canonical flags.
const maxLineBytes = 1 << 20

// NewFramer returns a Framer reading from r.
func NewFramer(r io.Reader) *Framer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Framer{scanner: scanner}
}

// Next returns the next framed line. It returns io.EOF at end of input,
// *MalformedPrefixError for lines without the pid/timestamp prefix, and
// *UnsupportedUnfinishedError for unfinished or resumed syscall lines.
func (f *Framer) Next() (FramedLine, error) {
	for f.scanner.Scan() {
		f.lineNo++
		raw := strings.TrimSuffix(f.scanner.Text(), "\r")
		if raw == "" {
			continue
		}
		return f.frame(raw)
	}
	if err := f.scanner.Err(); err != nil {
		return FramedLine{}, fmt.Errorf("reading trace input: %w", err)
	}
	return FramedLine{}, io.EOF
}

func (f *Framer) frame(raw string) (FramedLine, error) {
	rest := raw

	pidStr, rest, ok := cutField(rest)
	if !ok {
		return FramedLine{}, &MalformedPrefixError{LineNo: f.lineNo, Line: raw}
	}
	pid, ok := parseAllDigits(pidStr)
	if !ok {
		return FramedLine{}, &MalformedPrefixError{LineNo: f.lineNo, Line: raw}
	}

	tsStr, body, ok := cutField(rest)
	if !ok {
		return FramedLine{}, &MalformedPrefixError{LineNo: f.lineNo, Line: raw}
	}
	ts, ok := parseEpochTimestamp(tsStr)
	if !ok {
		return FramedLine{}, &MalformedPrefixError{LineNo: f.lineNo, Line: raw}
	}

	if isUnfinishedBody(body) {
		return FramedLine{}, &UnsupportedUnfinishedError{LineNo: f.lineNo, Line: raw}
	}

	return FramedLine{
		PID:  pid,
		TID:  pid,
		Time: ts,
		Body: body,
		Raw:  raw,
		No:   f.lineNo,
	}, nil
}

// cutField splits off the next space-delimited field, skipping the run of
// spaces after it (strace pads pids for alignment).
func cutField(s string) (field, rest string, ok bool) {
	i := strings.IndexByte(s, ' ')
	if i <= 0 {
		return "", "", false
	}
	field = s[:i]
	rest = strings.TrimLeft(s[i:], " ")
	if rest == "" {
		return "", "", false
	}
	return field, rest, true
}

func parseAllDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// parseEpochTimestamp parses "seconds.micros" decimal wall-clock timestamps.
func parseEpochTimestamp(s string) (time.Time, bool) {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	sec, ok := parseAllDigits(intPart)
	if !ok {
		return time.Time{}, false
	}
	nsec := 0
	if hasFrac {
		if frac == "" || len(frac) > 9 {
			return time.Time{}, false
		}
		f, ok := parseAllDigits(frac)
		if !ok {
			return time.Time{}, false
		}
		for i := len(frac); i < 9; i++ {
			f *= 10
		}
		nsec = f
	}
	return time.Unix(int64(sec), int64(nsec)).UTC(), true
}

func isUnfinishedBody(body string) bool {
	return strings.HasPrefix(body, "<... ") ||
		strings.HasSuffix(body, " ...>") ||
		strings.Contains(body, " <unfinished ...>")
}
