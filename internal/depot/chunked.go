package depot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"depot/internal/auth"
)

// requestPayload returns the object byte stream for an upload request
// along with the length the client declared for it, -1 when unknown.
//
// SDKs that sign payloads chunk by chunk wrap the body in aws-chunked
// framing; the frame is stripped here and the declared length comes from
// X-Amz-Decoded-Content-Length instead of Content-Length.
func requestPayload(r *http.Request) (io.Reader, int64) {
	if !isStreamingPayload(r) {
		return r.Body, r.ContentLength
	}

	declared := int64(-1)
	if raw := r.Header.Get("X-Amz-Decoded-Content-Length"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			declared = v
		}
	}
	return newChunkedReader(r.Body), declared
}

func isStreamingPayload(r *http.Request) bool {
	switch r.Header.Get("X-Amz-Content-Sha256") {
	case auth.StreamingPayload, auth.StreamingPayloadTrailer, auth.StreamingUnsignedPayloadTrailer:
		return true
	}
	return strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
}

// chunkedReader strips aws-chunked framing: hex chunk sizes with optional
// ";chunk-signature=..." extensions, CRLF separators, and trailing headers
// after the final zero-length chunk. A stream that ends mid-frame reads as
// io.ErrUnexpectedEOF so short uploads surface as incomplete bodies.
type chunkedReader struct {
	br     *bufio.Reader
	remain int64
	done   bool
	err    error
}

func newChunkedReader(r io.Reader) io.Reader {
	return &chunkedReader{br: bufio.NewReader(r)}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}

	for c.remain == 0 {
		if c.done {
			c.err = io.EOF
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
	}

	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.br.Read(p)
	c.remain -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.err = err
		return n, err
	}
	return n, nil
}

// nextChunk consumes separator lines until it finds the next chunk size.
// The zero-length chunk ends the stream after its trailer is drained.
func (c *chunkedReader) nextChunk() error {
	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if line == "" {
			continue
		}

		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("malformed chunk size %q", line)
		}
		if size == 0 {
			return c.drainTrailer()
		}
		c.remain = size
		return nil
	}
}

// drainTrailer consumes trailing header lines, checksum trailers included,
// up to the blank terminator line or EOF.
func (c *chunkedReader) drainTrailer() error {
	c.done = true
	for {
		line, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (c *chunkedReader) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed == "" {
				return "", io.EOF
			}
			return trimmed, nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
