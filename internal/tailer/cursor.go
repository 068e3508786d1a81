package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

// Cursor is the read position in one watched file. It is owned by a single
// Tailer and never persisted: a restarted process opens at end of file.
type Cursor struct {
	file     *os.File
	offset   int64 // bytes consumed from file, including pending
	identity Fingerprint
	pending  []byte // trailing bytes not yet terminated by a newline

	maxLine    int   // longest line kept, in bytes
	discarding bool  // inside an oversized line, skipping to its newline
	dropped    int64 // bytes skipped since the last takeDropped
}

// openCursor opens path and positions the cursor at end of file when
// atEnd is set, otherwise at the start
func openCursor(path string, atEnd bool) (*Cursor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	var offset int64
	if atEnd {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to seek file: %w", err)
		}
	}

	return &Cursor{
		file:     file,
		offset:   offset,
		identity: fingerprintOf(stat),
		maxLine:  maxLineBytes,
	}, nil
}

// Offset returns the number of bytes consumed from the current file
func (c *Cursor) Offset() int64 {
	return c.offset
}

// Identity returns the fingerprint of the open file
func (c *Cursor) Identity() Fingerprint {
	return c.identity
}

// rewind restarts reading from the beginning of the same file, discarding
// any partial line
func (c *Cursor) rewind() error {
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	c.offset = 0
	c.pending = nil
	c.discarding = false
	return nil
}

// readLines reads at most limit bytes and returns the complete lines they
// finish, in file order. more is true when the limit was reached before end
// of file. Lines longer than maxLine are skipped whole and counted in
// dropped.
func (c *Cursor) readLines(source string, buf []byte, limit int) (lines []types.Line, more bool, err error) {
	var read int
	for read < limit {
		n, rerr := c.file.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
			c.offset += int64(n)
			read += n
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				err = fmt.Errorf("failed to read file: %w", rerr)
			}
			break
		}
		if n == 0 {
			break
		}
	}
	more = read >= limit && err == nil

	start := c.offset - int64(len(c.pending))
	rest := c.pending
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		switch {
		case c.discarding:
			c.dropped += int64(i)
			c.discarding = false
		case i > c.maxLine:
			c.dropped += int64(i)
		default:
			text := bytes.TrimSuffix(rest[:i], []byte{'\r'})
			lines = append(lines, types.Line{
				Text:   string(text),
				Offset: start,
				Source: source,
			})
		}
		start += int64(i + 1)
		rest = rest[i+1:]
	}

	if c.discarding || len(rest) > c.maxLine {
		c.dropped += int64(len(rest))
		c.discarding = true
		rest = nil
	}

	if len(rest) == 0 {
		c.pending = nil
	} else if len(rest) != len(c.pending) {
		c.pending = append([]byte(nil), rest...)
	}

	return lines, more, err
}

// takeDropped returns the bytes skipped as oversized lines since the last
// call and resets the count
func (c *Cursor) takeDropped() int64 {
	n := c.dropped
	c.dropped = 0
	return n
}

func (c *Cursor) close() error {
	if c == nil || c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
