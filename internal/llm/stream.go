package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 8 * 1024 * 1024
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Stream decodes a server-sent event stream of chat completion chunks.
//
//	for s.Next() {
//		chunk := s.Chunk()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	chunk   Chunk
	err     error
	done    bool
}

// NewStream wraps an SSE body.
func NewStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)
	return &Stream{body: body, scanner: scanner}
}

// Next advances to the next chunk. It returns false at the end of the
// stream or on error. A body that ends without [DONE] is an error.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneMarker) {
			s.done = true
			return false
		}

		var envelope struct {
			Chunk
			Error *struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			s.err = fmt.Errorf("decode stream chunk: %w", err)
			return false
		}
		if envelope.Error != nil {
			s.err = fmt.Errorf("upstream stream error: %s", envelope.Error.Message)
			return false
		}
		s.chunk = envelope.Chunk
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read stream: %w", err)
	} else {
		// The body ended before [DONE], so the completion is truncated.
		s.err = fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)
	}
	s.done = true
	return false
}

func (s *Stream) Chunk() Chunk {
	return s.chunk
}

func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	return s.body.Close()
}
