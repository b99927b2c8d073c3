// Package stream decodes the agent CLI's newline-delimited stream-json output
// into typed events. The parser accepts arbitrary byte chunks from a process
// pipe: lines may arrive split across chunks or several per chunk, and the
// decoded event sequence is identical regardless of how the bytes were split.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ParseError reports a line that could not be decoded as stream-json.
// Parse errors are non-fatal: the parser skips the line and continues.
type ParseError struct {
	Line string // offending line, truncated for logging
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse stream line: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Config configures a Parser.
type Config struct {
	// StreamDeltas indicates the process was started with partial messages
	// enabled, so complete assistant text blocks duplicate earlier deltas
	// and are suppressed.
	StreamDeltas bool

	// OnEvent receives each decoded event, in input order. Required.
	OnEvent func(Event)

	// OnParseError receives malformed lines. Optional.
	OnParseError func(*ParseError)

	// Logger for debug output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Parser incrementally decodes newline-delimited JSON from a byte stream.
// Not safe for concurrent use; callers feed it from a single reader goroutine.
type Parser struct {
	cfg Config
	log *slog.Logger
	buf bytes.Buffer
}

// NewParser returns a Parser that delivers events through cfg's callbacks.
func NewParser(cfg Config) *Parser {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Parser{cfg: cfg, log: log}
}

// Feed appends a chunk of raw output and processes every complete line in it.
// A trailing partial line is buffered until a later Feed completes it.
func (p *Parser) Feed(data []byte) {
	p.buf.Write(data)
	for {
		raw := p.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := string(raw[:idx])
		p.buf.Next(idx + 1)
		p.processLine(line)
	}
}

// Flush processes any buffered partial line as if it were newline-terminated.
// Called when the stream ends without a trailing newline.
func (p *Parser) Flush() {
	if p.buf.Len() == 0 {
		return
	}
	line := p.buf.String()
	p.buf.Reset()
	p.processLine(line)
}

// Reset discards any buffered partial line, readying the parser for reuse.
func (p *Parser) Reset() {
	p.buf.Reset()
}

func (p *Parser) processLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		// Covers broken JSON and the plain-text informational lines the
		// CLI can emit on stdout in verbose mode.
		p.log.Warn("malformed stream line", "error", err, "line", truncateForLog(line))
		if p.cfg.OnParseError != nil {
			p.cfg.OnParseError(&ParseError{Line: truncateForLog(line), Err: err})
		}
		return
	}

	if msg.Type == "" {
		p.log.Warn("stream line missing type", "line", truncateForLog(line))
		return
	}

	for _, ev := range decodeMessage(&msg, p.cfg.StreamDeltas, p.log) {
		p.cfg.OnEvent(ev)
	}
}

// truncateForLog truncates long strings for log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
