// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import "bytes"

const (
	// maxStartLine is the longest start line buffered before it is cut.
	maxStartLine = 8192
	// maxChunkLine is the longest chunk-size line accepted.
	maxChunkLine = 1024
)

/* ─── HTTP/1 section boundaries ─────────────────────────────────── */

// skipEmptyLines returns the count of leading CR and LF bytes. Stray line
// ends between messages are tolerated before a start line.
func skipEmptyLines(buf []byte) int {
	n := 0
	for n < len(buf) && (buf[n] == '\r' || buf[n] == '\n') {
		n++
	}
	return n
}

// frameStartLine returns the start line text without its terminator and
// the bytes consumed, or -1 when the line is incomplete.
func frameStartLine(buf []byte) (text []byte, consumed int) {
	eol := bytes.IndexByte(buf, '\n')
	if eol < 0 {
		return nil, -1
	}
	end := eol
	if end > 0 && buf[end-1] == '\r' {
		end--
	}
	return buf[:end], eol + 1
}

// frameHeaderBlock finds the blank line closing a header or trailer block.
// It returns the length of the block text (field lines with their line
// ends, without the blank line) and the bytes consumed including the blank
// line, or -1, -1 when the block is incomplete. Bare LF line ends count.
func frameHeaderBlock(buf []byte) (textEnd, consumed int) {
	pos := 0
	for pos < len(buf) {
		eol := bytes.IndexByte(buf[pos:], '\n')
		if eol < 0 {
			return -1, -1
		}
		lineEnd := pos + eol
		content := lineEnd
		if content > pos && buf[content-1] == '\r' {
			content--
		}
		if content == pos {
			return pos, lineEnd + 1
		}
		pos = lineEnd + 1
	}
	return -1, -1
}

// parseChunkSize parses a chunk-size line, ignoring chunk extensions and
// surrounding whitespace. Sizes beyond 15 hex digits are rejected.
func parseChunkSize(line []byte) (int64, bool) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, "\r")
	line = bytes.Trim(line, " \t")
	if len(line) == 0 || len(line) > 15 {
		return 0, false
	}
	var n int64
	for _, c := range line {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, false
		}
		n = n<<4 | int64(v)
	}
	return n, true
}

/* ─── Protocol detection (content-first, port as fallback) ──────── */

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("PATCH "), []byte("HEAD "), []byte("OPTIONS "), []byte("CONNECT "),
	[]byte("TRACE "),
}

// LooksLikeHTTP reports whether the first client bytes of a flow are an
// HTTP/1 request. The server port is consulted only when the content is
// too short to decide.
func LooksLikeHTTP(data []byte, port uint16) bool {
	if len(data) >= 4 {
		// HTTP/2 connection preface: not ours.
		if bytes.HasPrefix(data, []byte("PRI * HTTP/2.0")) {
			return false
		}
		for _, m := range httpMethods {
			if bytes.HasPrefix(data, m) {
				return true
			}
		}
		if bytes.HasPrefix(data, []byte("HTTP/")) {
			return true
		}
		// Leading blank lines before a request are legal.
		if skip := skipEmptyLines(data); skip > 0 && skip < len(data) {
			return LooksLikeHTTP(data[skip:], port)
		}
		return false
	}

	switch port {
	case 80, 8000, 8008, 8080, 8888, 3000, 5000, 9090:
		return true
	}
	return false
}
