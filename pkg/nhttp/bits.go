// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import "math/bits"

// Bits128 is a 128-bit flag set stored as two words.
type Bits128 struct {
	lo, hi uint64
}

// Set turns on bit n (0..127).
func (b *Bits128) Set(n uint) {
	if n < 64 {
		b.lo |= 1 << n
	} else if n < 128 {
		b.hi |= 1 << (n - 64)
	}
}

// Has reports whether bit n is on.
func (b Bits128) Has(n uint) bool {
	if n < 64 {
		return b.lo&(1<<n) != 0
	}
	if n < 128 {
		return b.hi&(1<<(n-64)) != 0
	}
	return false
}

// Or merges other into b.
func (b *Bits128) Or(other Bits128) {
	b.lo |= other.lo
	b.hi |= other.hi
}

// Raw returns the low word.
func (b Bits128) Raw() uint64 { return b.lo }

// Raw2 returns the high word.
func (b Bits128) Raw2() uint64 { return b.hi }

// Count returns the number of bits set.
func (b Bits128) Count() int {
	return bits.OnesCount64(b.lo) + bits.OnesCount64(b.hi)
}

// Empty reports whether no bit is set.
func (b Bits128) Empty() bool { return b.lo == 0 && b.hi == 0 }

// Infraction bits record protocol anomalies seen by the section parsers.
const (
	InfBareLF uint = iota
	InfBadStartLine
	InfUnknownMethod
	InfBadVersion
	InfBadStatusCode
	InfStatusCodeRange
	InfMissingReason
	InfHeaderNoColon
	InfHeaderWhitespace
	InfObsFold
	InfEmptyHeaderName
	InfBadContentLength
	InfMultipleContentLength
	InfContentLengthAndChunked
	InfBadTransferEncoding
	InfBadChunkSize
	InfChunkMissingCRLF
	InfUnknownEncoding
	InfStackedEncoding
	InfGzipFailure
	InfDeflateFailure
	InfURIBadChar
	InfURIPercentBad
	InfURIPercentUnicode
	InfURIPercentNormal
	InfURIDoubleSlash
	InfURISlashDot
	InfURISlashDotDot
	InfURITraversalRoot
	InfURIBackslash
	InfURIBadPort
	InfURIHostCase
	InfMissingHost
	InfMultipleHost
	InfBodyTruncated
	InfResponseWithoutRequest
	InfTrailerNotAllowed
	InfVersion09
	InfCookieAggregated
	InfDecompressionLimit
	InfPipelineOverflow
)

// Event bits are the detection-visible subset of the infractions.
const (
	EvtBadStartLine uint = iota
	EvtUnknownMethod
	EvtBadVersion
	EvtBadStatusCode
	EvtHeaderNoColon
	EvtObsFold
	EvtBadContentLength
	EvtMultipleContentLength
	EvtContentLengthAndChunked
	EvtBadChunkSize
	EvtUnknownEncoding
	EvtDecompressionFailure
	EvtURIPercentBad
	EvtURIPercentUnicode
	EvtURITraversal
	EvtURIBackslash
	EvtMissingHost
	EvtMultipleHost
	EvtResponseWithoutRequest
	EvtBareLF
	EvtDecompressionLimit
	EvtPipelineOverflow
)

var infractionNames = [...]string{
	InfBareLF:                  "bare_lf",
	InfBadStartLine:            "bad_start_line",
	InfUnknownMethod:           "unknown_method",
	InfBadVersion:              "bad_version",
	InfBadStatusCode:           "bad_status_code",
	InfStatusCodeRange:         "status_code_range",
	InfMissingReason:           "missing_reason",
	InfHeaderNoColon:           "header_no_colon",
	InfHeaderWhitespace:        "header_whitespace",
	InfObsFold:                 "obs_fold",
	InfEmptyHeaderName:         "empty_header_name",
	InfBadContentLength:        "bad_content_length",
	InfMultipleContentLength:   "multiple_content_length",
	InfContentLengthAndChunked: "content_length_and_chunked",
	InfBadTransferEncoding:     "bad_transfer_encoding",
	InfBadChunkSize:            "bad_chunk_size",
	InfChunkMissingCRLF:        "chunk_missing_crlf",
	InfUnknownEncoding:         "unknown_encoding",
	InfStackedEncoding:         "stacked_encoding",
	InfGzipFailure:             "gzip_failure",
	InfDeflateFailure:          "deflate_failure",
	InfURIBadChar:              "uri_bad_char",
	InfURIPercentBad:           "uri_percent_bad",
	InfURIPercentUnicode:       "uri_percent_unicode",
	InfURIPercentNormal:        "uri_percent_normal",
	InfURIDoubleSlash:          "uri_double_slash",
	InfURISlashDot:             "uri_slash_dot",
	InfURISlashDotDot:          "uri_slash_dot_dot",
	InfURITraversalRoot:        "uri_traversal_root",
	InfURIBackslash:            "uri_backslash",
	InfURIBadPort:              "uri_bad_port",
	InfURIHostCase:             "uri_host_case",
	InfMissingHost:             "missing_host",
	InfMultipleHost:            "multiple_host",
	InfBodyTruncated:           "body_truncated",
	InfResponseWithoutRequest:  "response_without_request",
	InfTrailerNotAllowed:       "trailer_not_allowed",
	InfVersion09:               "version_0_9",
	InfCookieAggregated:        "cookie_aggregated",
	InfDecompressionLimit:      "decompression_limit",
	InfPipelineOverflow:        "pipeline_overflow",
}

var eventNames = [...]string{
	EvtBadStartLine:            "bad_start_line",
	EvtUnknownMethod:           "unknown_method",
	EvtBadVersion:              "bad_version",
	EvtBadStatusCode:           "bad_status_code",
	EvtHeaderNoColon:           "header_no_colon",
	EvtObsFold:                 "obs_fold",
	EvtBadContentLength:        "bad_content_length",
	EvtMultipleContentLength:   "multiple_content_length",
	EvtContentLengthAndChunked: "content_length_and_chunked",
	EvtBadChunkSize:            "bad_chunk_size",
	EvtUnknownEncoding:         "unknown_encoding",
	EvtDecompressionFailure:    "decompression_failure",
	EvtURIPercentBad:           "uri_percent_bad",
	EvtURIPercentUnicode:       "uri_percent_unicode",
	EvtURITraversal:            "uri_traversal",
	EvtURIBackslash:            "uri_backslash",
	EvtMissingHost:             "missing_host",
	EvtMultipleHost:            "multiple_host",
	EvtResponseWithoutRequest:  "response_without_request",
	EvtBareLF:                  "bare_lf",
	EvtDecompressionLimit:      "decompression_limit",
	EvtPipelineOverflow:        "pipeline_overflow",
}

// InfractionName returns the name of infraction bit n.
func InfractionName(n uint) string {
	if n < uint(len(infractionNames)) {
		return infractionNames[n]
	}
	return "unknown"
}

// EventName returns the name of event bit n.
func EventName(n uint) string {
	if n < uint(len(eventNames)) {
		return eventNames[n]
	}
	return "unknown"
}

// Diff returns the bits set in b but not in prev.
func (b Bits128) Diff(prev Bits128) Bits128 {
	return Bits128{lo: b.lo &^ prev.lo, hi: b.hi &^ prev.hi}
}

// Each calls fn for every bit set, lowest first.
func (b Bits128) Each(fn func(n uint)) {
	for w, word := range [2]uint64{b.lo, b.hi} {
		for word != 0 {
			i := uint(bits.TrailingZeros64(word))
			fn(uint(w*64) + i)
			word &^= 1 << i
		}
	}
}

// InfractionNames lists the names of the infractions set in b.
func InfractionNames(b Bits128) []string {
	var names []string
	b.Each(func(n uint) { names = append(names, InfractionName(n)) })
	return names
}

// EventNames lists the names of the events set in b.
func EventNames(b Bits128) []string {
	var names []string
	b.Each(func(n uint) { names = append(names, EventName(n)) })
	return names
}
