// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import "testing"

func TestFrameStartLine(t *testing.T) {
	tests := []struct {
		name     string
		buf      string
		wantText string
		wantN    int
	}{
		{"crlf", "GET / HTTP/1.1\r\nHost: a", "GET / HTTP/1.1", 16},
		{"bare lf", "GET / HTTP/1.1\nHost: a", "GET / HTTP/1.1", 15},
		{"incomplete", "GET / HTT", "", -1},
		{"empty line", "\r\n", "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, n := frameStartLine([]byte(tt.buf))
			if n != tt.wantN {
				t.Errorf("consumed = %d, want %d", n, tt.wantN)
			}
			if string(text) != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
		})
	}
}

func TestFrameHeaderBlock(t *testing.T) {
	tests := []struct {
		name    string
		buf     string
		wantEnd int
		wantN   int
	}{
		{"complete", "Host: a\r\nX: y\r\n\r\nbody", 15, 17},
		{"bare lf", "Host: a\nX: y\n\nbody", 13, 14},
		{"empty block", "\r\nbody", 0, 2},
		{"incomplete", "Host: a\r\nX: y\r\n", -1, -1},
		{"no line end", "Host: a", -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end, n := frameHeaderBlock([]byte(tt.buf))
			if end != tt.wantEnd || n != tt.wantN {
				t.Errorf("frameHeaderBlock = %d, %d; want %d, %d", end, n, tt.wantEnd, tt.wantN)
			}
		})
	}
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		line   string
		want   int64
		wantOK bool
	}{
		{"5", 5, true},
		{"1a", 26, true},
		{"FF\r", 255, true},
		{"10;name=value", 16, true},
		{" 3 ", 3, true},
		{"0", 0, true},
		{"xyz", 0, false},
		{"", 0, false},
		{"-1", 0, false},
		{"FFFFFFFFFFFFFFFF", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseChunkSize([]byte(tt.line))
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseChunkSize(%q) = %d, %t; want %d, %t", tt.line, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestLooksLikeHTTP(t *testing.T) {
	tests := []struct {
		name string
		data string
		port uint16
		want bool
	}{
		{"get", "GET / HTTP/1.1\r\n", 9999, true},
		{"options", "OPTIONS * HTTP/1.1\r\n", 9999, true},
		{"response", "HTTP/1.1 200 OK\r\n", 9999, true},
		{"leading crlf", "\r\nPOST /x HTTP/1.1\r\n", 9999, true},
		{"h2 preface", "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n", 80, false},
		{"tls", "\x16\x03\x01\x02\x00", 443, false},
		{"short on http port", "GE", 8080, true},
		{"short elsewhere", "GE", 5432, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeHTTP([]byte(tt.data), tt.port); got != tt.want {
				t.Errorf("LooksLikeHTTP(%q, %d) = %v, want %v", tt.data, tt.port, got, tt.want)
			}
		})
	}
}
