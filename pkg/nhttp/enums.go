// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import "bytes"

// SourceID identifies one half of a flow.
type SourceID int

const (
	SourceClient SourceID = iota
	SourceServer
)

func (s SourceID) String() string {
	switch s {
	case SourceClient:
		return "client"
	case SourceServer:
		return "server"
	}
	return "invalid"
}

func (s SourceID) valid() bool { return s == SourceClient || s == SourceServer }

// Compression is the content-encoding state of a direction.
type Compression int

const (
	CompressNone Compression = iota
	CompressGzip
	CompressDeflate
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressGzip:
		return "gzip"
	case CompressDeflate:
		return "deflate"
	}
	return "invalid"
}

// SectionKind tags what a Section carries.
type SectionKind int

const (
	SectionRequest SectionKind = iota
	SectionStatus
	SectionHeader
	SectionBody
	SectionTrailer
)

func (k SectionKind) String() string {
	switch k {
	case SectionRequest:
		return "request"
	case SectionStatus:
		return "status"
	case SectionHeader:
		return "header"
	case SectionBody:
		return "body"
	case SectionTrailer:
		return "trailer"
	}
	return "invalid"
}

// BufferID names a detection buffer. Zero is not a valid id.
type BufferID uint

const (
	BufferClientBody BufferID = iota + 1
	BufferCookie
	BufferHeader
	BufferMethod
	BufferRawCookie
	BufferRawHeader
	BufferRawURI
	BufferStatCode
	BufferStatMsg
	BufferURI
	BufferVersion
	BufferTrailer
	BufferRawTrailer
)

var bufferNames = map[BufferID]string{
	BufferClientBody: "http_client_body",
	BufferCookie:     "http_cookie",
	BufferHeader:     "http_header",
	BufferMethod:     "http_method",
	BufferRawCookie:  "http_raw_cookie",
	BufferRawHeader:  "http_raw_header",
	BufferRawURI:     "http_raw_uri",
	BufferStatCode:   "http_stat_code",
	BufferStatMsg:    "http_stat_msg",
	BufferURI:        "http_uri",
	BufferVersion:    "http_version",
	BufferTrailer:    "http_trailer",
	BufferRawTrailer: "http_raw_trailer",
}

func (b BufferID) String() string {
	if n, ok := bufferNames[b]; ok {
		return n
	}
	return "invalid"
}

// BufferByName resolves a rule-facing buffer name such as "http_uri".
func BufferByName(name string) (BufferID, bool) {
	for id, n := range bufferNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// URIComponent selects one piece of a request URI. Zero means the whole URI.
type URIComponent uint

const (
	URIScheme URIComponent = iota + 1
	URIHost
	URIPort
	URIPath
	URIQuery
	URIFragment
)

// MethodID classifies the request method.
type MethodID int

const (
	MethodNotPresent MethodID = iota - 1
	MethodOther
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
)

var methodNames = []struct {
	name string
	id   MethodID
}{
	{"GET", MethodGet},
	{"HEAD", MethodHead},
	{"POST", MethodPost},
	{"PUT", MethodPut},
	{"DELETE", MethodDelete},
	{"CONNECT", MethodConnect},
	{"OPTIONS", MethodOptions},
	{"TRACE", MethodTrace},
	{"PATCH", MethodPatch},
}

// String returns the method token, "OTHER" for unrecognized methods and
// "" when absent.
func (m MethodID) String() string {
	for _, n := range methodNames {
		if n.id == m {
			return n.name
		}
	}
	if m == MethodOther {
		return "OTHER"
	}
	return ""
}

func methodID(b []byte) MethodID {
	for _, m := range methodNames {
		if string(b) == m.name {
			return m.id
		}
	}
	return MethodOther
}

// VersionID classifies the HTTP version token.
type VersionID int

const (
	VersionNotPresent VersionID = iota - 1
	VersionOther
	VersionMalformed
	Version09
	Version10
	Version11
	Version20
)

func versionID(b []byte) VersionID {
	if len(b) != 8 || !bytes.HasPrefix(b, []byte("HTTP/")) || b[6] != '.' ||
		!isDigit(b[5]) || !isDigit(b[7]) {
		return VersionMalformed
	}
	switch string(b[5:]) {
	case "1.0":
		return Version10
	case "1.1":
		return Version11
	case "2.0":
		return Version20
	case "0.9":
		return Version09
	}
	return VersionOther
}

// StatusNotPresent is the status code of a flow with no status line yet.
const StatusNotPresent = -1

// HeaderID identifies a well-known header field name.
type HeaderID uint

const (
	HeaderOther HeaderID = iota + 1
	HeaderHost
	HeaderCookie
	HeaderSetCookie
	HeaderContentLength
	HeaderTransferEncoding
	HeaderContentEncoding
	HeaderContentType
	HeaderUserAgent
	HeaderConnection
	HeaderAuthorization
	HeaderReferer
	HeaderAccept
	HeaderAcceptEncoding
	HeaderLocation
	HeaderServer
	HeaderXForwardedFor
	HeaderTrueClientIP
	HeaderUpgrade
	HeaderContentRange
)

var headerNames = map[string]HeaderID{
	"host":              HeaderHost,
	"cookie":            HeaderCookie,
	"set-cookie":        HeaderSetCookie,
	"content-length":    HeaderContentLength,
	"transfer-encoding": HeaderTransferEncoding,
	"content-encoding":  HeaderContentEncoding,
	"content-type":      HeaderContentType,
	"user-agent":        HeaderUserAgent,
	"connection":        HeaderConnection,
	"authorization":     HeaderAuthorization,
	"referer":           HeaderReferer,
	"accept":            HeaderAccept,
	"accept-encoding":   HeaderAcceptEncoding,
	"location":          HeaderLocation,
	"server":            HeaderServer,
	"x-forwarded-for":   HeaderXForwardedFor,
	"true-client-ip":    HeaderTrueClientIP,
	"upgrade":           HeaderUpgrade,
	"content-range":     HeaderContentRange,
}

// HeaderByName resolves a field name case-insensitively.
func HeaderByName(name []byte) HeaderID {
	var lower [32]byte
	if len(name) > len(lower) {
		return HeaderOther
	}
	for i, c := range name {
		lower[i] = toLower(c)
	}
	if id, ok := headerNames[string(lower[:len(name)])]; ok {
		return id
	}
	return HeaderOther
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
