// Package gcode reads codes from text, one code per line.
package gcode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/printhost/dcs/code"
)

// ParseError is returned for a line that is not a valid code. Reading can
// continue with the next line.
type ParseError struct {
	Line   int64
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// Reader turns lines into codes and keeps track of the byte position.
type Reader struct {
	src      io.Reader
	buf      *bufio.Reader
	channel  code.Channel
	position int64
	line     int64
}

// NewReader creates a reader for codes on the given channel.
func NewReader(r io.Reader, ch code.Channel) *Reader {
	return &Reader{
		src:     r,
		buf:     bufio.NewReader(r),
		channel: ch,
	}
}

// Position returns the offset of the next line to read.
func (r *Reader) Position() int64 {
	return r.position
}

// LineNumber returns the number of lines read so far.
func (r *Reader) LineNumber() int64 {
	return r.line
}

// Seek moves to a byte offset. The underlying reader must be an io.Seeker.
// Line numbers continue from the number of lines that end before pos.
func (r *Reader) Seek(pos int64) error {
	seeker, ok := r.src.(io.Seeker)
	if !ok {
		return errors.New("reader cannot seek")
	}

	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return err
	}

	lines, err := countLines(io.LimitReader(r.src, pos))
	if err != nil {
		return err
	}

	if _, err := seeker.Seek(pos, io.SeekStart); err != nil {
		return err
	}

	r.buf.Reset(r.src)
	r.position = pos
	r.line = lines

	return nil
}

func countLines(src io.Reader) (int64, error) {
	var (
		lines int64
		chunk = make([]byte, 32*1024)
	)

	for {
		n, err := src.Read(chunk)
		lines += int64(bytes.Count(chunk[:n], []byte{'\n'}))

		switch {
		case errors.Is(err, io.EOF):
			return lines, nil
		case err != nil:
			return 0, err
		}
	}
}

// Next returns the next non-empty code, or io.EOF.
func (r *Reader) Next() (*code.Code, error) {
	c := code.New(r.channel)
	if err := r.ReadInto(c); err != nil {
		return nil, err
	}

	return c, nil
}

// ReadInto parses the next non-empty line into c, which must be fresh or
// reset. Empty lines are skipped.
func (r *Reader) ReadInto(c *code.Code) error {
	for {
		start := r.position

		text, err := r.buf.ReadString('\n')
		if text == "" && err != nil {
			return err
		}

		r.position += int64(len(text))
		r.line++

		line := strings.TrimSpace(text)
		if line == "" {
			continue
		}

		c.Channel = r.channel
		c.FilePosition = start
		c.Length = len(text)
		c.LineNumber = r.line

		return parseLine(line, r.line, c)
	}
}

// Parse parses a single line into a new code on a channel.
func Parse(line string, ch code.Channel) (*code.Code, error) {
	c := code.New(ch)

	return c, parseLine(strings.TrimSpace(line), 1, c)
}

func parseLine(line string, lineNumber int64, c *code.Code) error {
	body := line

	if i := strings.IndexByte(body, ';'); i >= 0 && !inQuotes(body, i) {
		c.Comment = strings.TrimSpace(body[i+1:])
		body = body[:i]
	}

	body = stripChecksum(strings.TrimSpace(body))
	body = stripParenComments(body, c)
	body = stripLineNumber(body)

	c.SetFlags(code.IsLastCode)

	if body == "" {
		c.Kind = code.Comment
		return nil
	}

	switch unicode.ToUpper(rune(body[0])) {
	case 'G':
		c.Kind = code.G
	case 'M':
		c.Kind = code.M
	case 'T':
		c.Kind = code.T
	default:
		return &ParseError{Line: lineNumber, Text: line, Reason: "unknown code letter"}
	}

	rest, err := parseNumber(body[1:], c)
	if err != nil {
		return &ParseError{Line: lineNumber, Text: line, Reason: err.Error()}
	}

	params, err := parseParameters(rest)
	if err != nil {
		return &ParseError{Line: lineNumber, Text: line, Reason: err.Error()}
	}

	c.Parameters = append(c.Parameters, params...)

	return nil
}

func parseNumber(s string, c *code.Code) (string, error) {
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}

	if end == 0 {
		if c.Kind != code.T {
			return "", errors.New("missing code number")
		}

		return s, nil
	}

	number := s[:end]
	major, minor, hasMinor := strings.Cut(number, ".")

	m, err := strconv.Atoi(major)
	if err != nil {
		return "", fmt.Errorf("bad code number %q", number)
	}

	c.Major = m

	if hasMinor {
		n, err := strconv.Atoi(minor)
		if err != nil {
			return "", fmt.Errorf("bad code number %q", number)
		}

		c.Minor = n
	}

	return s[end:], nil
}

func parseParameters(s string) ([]code.Parameter, error) {
	var params []code.Parameter

	i := 0
	for i < len(s) {
		ch := s[i]
		if ch == ' ' || ch == '\t' {
			i++
			continue
		}

		if !isLetter(ch) {
			return nil, fmt.Errorf("unexpected %q", ch)
		}

		p := code.Parameter{Letter: byte(unicode.ToUpper(rune(ch)))}
		i++

		if i < len(s) && s[i] == '"' {
			value, n, err := readQuoted(s[i:])
			if err != nil {
				return nil, err
			}

			p.Value = value
			p.IsString = true
			i += n
		} else {
			start := i
			for i < len(s) && s[i] != ' ' && s[i] != '\t' {
				i++
			}

			p.Value = s[start:i]
		}

		params = append(params, p)
	}

	return params, nil
}

func readQuoted(s string) (value string, consumed int, err error) {
	var b strings.Builder

	for i := 1; i < len(s); i++ {
		if s[i] != '"' {
			b.WriteByte(s[i])
			continue
		}

		if i+1 < len(s) && s[i+1] == '"' {
			b.WriteByte('"')
			i++

			continue
		}

		return b.String(), i + 1, nil
	}

	return "", 0, errors.New("unterminated string")
}

func stripChecksum(s string) string {
	if i := strings.LastIndexByte(s, '*'); i >= 0 && !inQuotes(s, i) {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			return strings.TrimSpace(s[:i])
		}
	}

	return s
}

func stripLineNumber(s string) string {
	if len(s) < 2 || (s[0] != 'N' && s[0] != 'n') {
		return s
	}

	end := 1
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}

	if end == 1 {
		return s
	}

	return strings.TrimSpace(s[end:])
}

func stripParenComments(s string, c *code.Code) string {
	for {
		open := strings.IndexByte(s, '(')
		if open < 0 || inQuotes(s, open) {
			return s
		}

		end := strings.IndexByte(s[open:], ')')
		if end < 0 {
			return s
		}

		comment := strings.TrimSpace(s[open+1 : open+end])
		if c.Comment == "" {
			c.Comment = comment
		} else {
			c.Comment = comment + " " + c.Comment
		}

		s = strings.TrimSpace(s[:open] + " " + s[open+end+1:])
	}
}

func inQuotes(s string, pos int) bool {
	return strings.Count(s[:pos], "\"")%2 == 1
}

func isLetter(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}
