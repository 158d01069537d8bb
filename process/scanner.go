package process

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
)

// Scanner reads newline-delimited text, buffering lines that exceed bufio's
// internal line length instead of splitting them.
type Scanner struct {
	logger logger.Logger
}

func NewScanner(l logger.Logger) *Scanner {
	return &Scanner{logger: l}
}

// ScanLines reads from r until EOF, invoking f for each line read.
func (s *Scanner) ScanLines(r io.Reader, f func(line string)) error {
	l := s.logger
	var reader = bufio.NewReader(r)
	var appending []byte

	l.Debug("[LineScanner] Starting to read lines")

	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err == io.EOF {
				l.Debug("[LineScanner] Encountered EOF")
				break
			}
			return err
		}

		// isPrefix means a single line didn't fit in bufio's buffer; we
		// accumulate until a read returns the remainder with isPrefix false.
		if isPrefix && appending == nil {
			l.Debug("[LineScanner] Line is too long to read, going to buffer it until it finishes")

			// bufio.ReadLine returns a slice which is only valid until the next invocation
			// since it points to its own internal buffer array. To accumulate the entire
			// result we make a copy of the first prefix, and ensure there is spare capacity
			// for future appends to minimize the need for resizing on append.
			appending = make([]byte, len(line), (cap(line))*2)
			copy(appending, line)

			continue
		}

		if appending != nil {
			appending = append(appending, line...)

			if !isPrefix {
				l.Debug("[LineScanner] Finished buffering long line")
				line = appending
				appending = nil
			} else {
				continue
			}
		}

		f(string(line))
	}

	l.Debug("[LineScanner] Finished")
	return nil
}

// LineBuffer accumulates lines behind a mutex so it can be used as a
// destination for output copied from a running process on another goroutine.
type LineBuffer struct {
	mu  sync.RWMutex
	buf bytes.Buffer
}

func (l *LineBuffer) WriteLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(line + "\n")
}

// Output returns the buffered output of the line processor
func (l *LineBuffer) Output() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buf.String()
}
