// Package strace parses the textual output of strace into structured line
// events. It handles the canonical flag set used by the tracer driver:
// follow-forks, absolute microsecond timestamps, per-syscall durations, and
// full fd/address annotations.
package strace

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is one parsed syscall argument (or return value). The concrete types
// mirror what strace actually prints: quoted strings, integer literals in
// three bases, hex pointers, OR-joined flag sets, braced structs, bracketed
// arrays, annotated file descriptors, bare symbolic constants, and a few
// decorated forms (trailing comments, "a or b" alternatives, "from => to"
// rewrites).
type Value interface {
	// Render writes the canonical textual form, which is parseable back into
	// an equal Value.
	Render(sb *strings.Builder)
}

// RenderValue returns the canonical textual form of v.
func RenderValue(v Value) string {
	var sb strings.Builder
	v.Render(&sb)
	return sb.String()
}

// Int is an integer literal. Base records how strace printed it (8, 10, or
// 16) so the canonical rendering round-trips.
type Int struct {
	Value    int64
	Unsigned bool
	Base     int
}

func (v Int) Render(sb *strings.Builder) {
	switch v.Base {
	case 8:
		sb.WriteByte('0')
		if v.Value != 0 {
			sb.WriteString(strconv.FormatInt(v.Value, 8))
		}
	case 16:
		fmt.Fprintf(sb, "%#x", v.Value)
	default:
		if v.Unsigned {
			sb.WriteString(strconv.FormatUint(uint64(v.Value), 10))
		} else {
			sb.WriteString(strconv.FormatInt(v.Value, 10))
		}
	}
}

// Str is a quoted string literal with escapes resolved. Truncated is set when
// the literal carried a trailing "..." marker (the string was cut at the
// tracer's string limit).
type Str struct {
	Value     string
	Truncated bool
}

func (v Str) Render(sb *strings.Builder) {
	sb.WriteString(QuoteString(v.Value))
	if v.Truncated {
		sb.WriteString("...")
	}
}

// Pointer is a hex address. Null pointers print as NULL.
type Pointer struct {
	Addr uint64
	Null bool
}

func (v Pointer) Render(sb *strings.Builder) {
	if v.Null {
		sb.WriteString("NULL")
		return
	}
	fmt.Fprintf(sb, "0x%x", v.Addr)
}

// Flags is an OR-joined list of flag names. Parts may include numeric
// residues (e.g. "O_RDWR|O_CLOEXEC|0x800").
type Flags struct {
	Parts []string
}

func (v Flags) Render(sb *strings.Builder) {
	sb.WriteString(strings.Join(v.Parts, "|"))
}

// Symbol is a bare identifier or constant expression that is not further
// interpreted (AT_FDCWD, SIGCHLD, WIFEXITED(s) && WEXITSTATUS(s) == 0).
type Symbol struct {
	Name string
}

func (v Symbol) Render(sb *strings.Builder) {
	sb.WriteString(v.Name)
}

// Field is one entry of a Struct or one syscall argument. Name is empty for
// positional values.
type Field struct {
	Name  string
	Value Value
}

func (f Field) render(sb *strings.Builder) {
	if f.Name != "" {
		sb.WriteString(f.Name)
		sb.WriteByte('=')
	}
	f.Value.Render(sb)
}

// Struct is a braced field list. Truncated is set when the struct ended with
// an elision marker.
type Struct struct {
	Fields    []Field
	Truncated bool
}

func (v Struct) Render(sb *strings.Builder) {
	sb.WriteByte('{')
	for i, f := range v.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		f.render(sb)
	}
	if v.Truncated {
		if len(v.Fields) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("...")
	}
	sb.WriteByte('}')
}

// Get returns the value of the named field, if present.
func (v Struct) Get(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Array is a bracketed value list.
type Array struct {
	Items []Value
}

func (v Array) Render(sb *strings.Builder) {
	sb.WriteByte('[')
	for i, item := range v.Items {
		if i > 0 {
			sb.WriteString(", ")
		}
		item.Render(sb)
	}
	sb.WriteByte(']')
}

// Bitset is a bracketed, space-separated signal or capability set, optionally
// negated ("~[RTMIN RT_1]").
type Bitset struct {
	Items   []string
	Negated bool
}

func (v Bitset) Render(sb *strings.Builder) {
	if v.Negated {
		sb.WriteByte('~')
	}
	sb.WriteByte('[')
	sb.WriteString(strings.Join(v.Items, " "))
	sb.WriteByte(']')
}

// FD is an integer file descriptor with the endpoint annotation supplied by
// the tracer's -yy flag: a path, "socket:[inode]", "pipe:[inode]", and so on.
// Deleted marks paths that ended with the " (deleted)" suffix.
type FD struct {
	Number     int64
	Annotation string
	Deleted    bool
}

func (v FD) Render(sb *strings.Builder) {
	sb.WriteString(strconv.FormatInt(v.Number, 10))
	sb.WriteByte('<')
	sb.WriteString(v.Annotation)
	if v.Deleted {
		sb.WriteString(" (deleted)")
	}
	sb.WriteByte('>')
}

// Call is a decoded helper-function value such as makedev(0x88, 0x3).
type Call struct {
	Function string
	Args     []Value
}

func (v Call) Render(sb *strings.Builder) {
	sb.WriteString(v.Function)
	sb.WriteByte('(')
	for i, arg := range v.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		arg.Render(sb)
	}
	sb.WriteByte(')')
}

// Commented wraps a value that carried a trailing comment, commonly printed
// after device numbers and resolved constants.
type Commented struct {
	Value   Value
	Comment string
}

func (v Commented) Render(sb *strings.Builder) {
	v.Value.Render(sb)
	sb.WriteString(" /* ")
	sb.WriteString(v.Comment)
	sb.WriteString(" */")
}

// Alternative is strace's "a or b" form, printed when a value decodes two
// ways.
type Alternative struct {
	Left  Value
	Right Value
}

func (v Alternative) Render(sb *strings.Builder) {
	v.Left.Render(sb)
	sb.WriteString(" or ")
	v.Right.Render(sb)
}

// Changed is strace's "from => to" form for arguments rewritten by the
// kernel.
type Changed struct {
	From Value
	To   Value
}

func (v Changed) Render(sb *strings.Builder) {
	v.From.Render(sb)
	sb.WriteString(" => ")
	v.To.Render(sb)
}

// Elided is the "..." placeholder for an omitted field or argument.
type Elided struct{}

func (v Elided) Render(sb *strings.Builder) {
	sb.WriteString("...")
}

// QuoteString renders s the way strace quotes strings: printable ASCII
// verbatim, the usual C escapes for control characters, and octal escapes for
// everything else.
func QuoteString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		case '\v':
			sb.WriteString(`\v`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if c >= 0x20 && c < 0x7f {
				sb.WriteByte(c)
			} else {
				// Always three octal digits so a following literal digit
				// cannot merge into the escape on re-parse.
				fmt.Fprintf(&sb, `\%03o`, c)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
