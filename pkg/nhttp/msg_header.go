// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import "bytes"

type headerField struct {
	id    HeaderID
	name  Field
	value Field
}

// HeaderBlock is a parsed header or trailer section.
type HeaderBlock struct {
	raw    Field
	fields []headerField
	pad    *ScratchPad
	norms  map[HeaderID]Field
}

// Headers returns the whole raw block.
func (h *HeaderBlock) Headers() Field { return h.raw }

// NumFields returns the number of header lines after unfolding.
func (h *HeaderBlock) NumFields() int { return len(h.fields) }

// Field returns the name and raw value of the i'th header line.
func (h *HeaderBlock) Field(i int) (name, value Field) {
	return h.fields[i].name, h.fields[i].value
}

// ValueNorm returns the normalized value for a header id: every occurrence
// trimmed and joined with ",". Absent when the header does not appear.
func (h *HeaderBlock) ValueNorm(id HeaderID) Field {
	if v, ok := h.norms[id]; ok {
		return v
	}
	v := h.normalize(id)
	if h.norms == nil {
		h.norms = make(map[HeaderID]Field)
	}
	h.norms[id] = v
	return v
}

func (h *HeaderBlock) count(id HeaderID) int {
	n := 0
	for i := range h.fields {
		if h.fields[i].id == id {
			n++
		}
	}
	return n
}

func (h *HeaderBlock) normalize(id HeaderID) Field {
	var first = -1
	total := 0
	n := 0
	for i := range h.fields {
		if h.fields[i].id != id {
			continue
		}
		if first < 0 {
			first = i
		}
		total += len(h.fields[i].value.data) + 1
		n++
	}
	if n == 0 {
		return FieldAbsent
	}
	tokenList := id == HeaderContentEncoding || id == HeaderTransferEncoding
	if n == 1 && !tokenList {
		return h.fields[first].value
	}

	out := h.pad.Request(total)
	for i := first; i < len(h.fields); i++ {
		f := &h.fields[i]
		if f.id != id {
			continue
		}
		if len(out) > 0 {
			out = append(out, ',')
		}
		if tokenList {
			for _, c := range f.value.data {
				if c != ' ' && c != '\t' {
					out = append(out, toLower(c))
				}
			}
		} else {
			out = append(out, f.value.data...)
		}
	}
	return NewField(h.pad.Commit(out))
}

func parseHeaderBlock(s *Section) *HeaderBlock {
	h := &HeaderBlock{raw: s.msgText, pad: s.scratch}
	inf, ev := s.Infractions(), s.Events()
	b := s.msgText.data

	pos := 0
	for pos < len(b) {
		eol := bytes.IndexByte(b[pos:], '\n')
		next := len(b)
		end := len(b)
		if eol >= 0 {
			end = pos + eol
			next = end + 1
			if end == pos || b[end-1] != '\r' {
				inf.Set(InfBareLF)
				ev.Set(EvtBareLF)
			}
		}
		if end > pos && b[end-1] == '\r' {
			end--
		}
		line := s.msgText.sub(pos, end)
		pos = next
		if line.Len() == 0 {
			continue
		}

		if c := line.data[0]; c == ' ' || c == '\t' {
			inf.Set(InfObsFold)
			ev.Set(EvtObsFold)
			if len(h.fields) > 0 {
				h.unfold(&h.fields[len(h.fields)-1], trimSpace(line))
			}
			continue
		}

		colon := bytes.IndexByte(line.data, ':')
		if colon < 0 {
			inf.Set(InfHeaderNoColon)
			ev.Set(EvtHeaderNoColon)
			continue
		}
		nameEnd := colon
		for nameEnd > 0 && (line.data[nameEnd-1] == ' ' || line.data[nameEnd-1] == '\t') {
			inf.Set(InfHeaderWhitespace)
			nameEnd--
		}
		if nameEnd == 0 {
			inf.Set(InfEmptyHeaderName)
			continue
		}
		name := line.sub(0, nameEnd)
		h.fields = append(h.fields, headerField{
			id:    HeaderByName(name.data),
			name:  name,
			value: trimSpace(line.sub(colon+1, line.Len())),
		})
	}
	return h
}

// unfold appends a continuation line to a field value, joined by one space.
func (h *HeaderBlock) unfold(f *headerField, more Field) {
	out := h.pad.Request(len(f.value.data) + 1 + len(more.data))
	out = append(out, f.value.data...)
	out = append(out, ' ')
	out = append(out, more.data...)
	f.value = NewField(h.pad.Commit(out))
}

func trimSpace(f Field) Field {
	start, end := 0, len(f.data)
	for start < end && (f.data[start] == ' ' || f.data[start] == '\t') {
		start++
	}
	for end > start && (f.data[end-1] == ' ' || f.data[end-1] == '\t') {
		end--
	}
	return f.sub(start, end)
}

// updateFlow derives body framing and content coding for the message and
// resets its depth budgets.
func (h *HeaderBlock) updateFlow(s *Section) {
	f, src := s.flow, s.source
	inf, ev := s.Infractions(), s.Events()

	if src == SourceClient {
		switch hosts := h.count(HeaderHost); {
		case hosts == 0 && f.VersionID[SourceClient] == Version11:
			inf.Set(InfMissingHost)
			ev.Set(EvtMissingHost)
		case hosts > 1:
			inf.Set(InfMultipleHost)
			ev.Set(EvtMultipleHost)
		}
	}

	f.startMessage(src, s.params)
	f.Compression[src] = h.compression(inf, ev)

	f.Chunked[src] = false
	f.DataLength[src] = 0
	chunked := h.chunked(inf)
	length, hasLength := h.contentLength(inf, ev)
	if chunked && hasLength {
		inf.Set(InfContentLengthAndChunked)
		ev.Set(EvtContentLengthAndChunked)
	}

	if src == SourceServer && !responseHasBody(s) {
		f.endMessage(src)
		return
	}
	switch {
	case chunked:
		f.Chunked[src] = true
		f.DataLength[src] = -1
	case hasLength:
		f.DataLength[src] = length
	case src == SourceServer:
		f.DataLength[src] = -1
	}
	if f.Chunked[src] || f.DataLength[src] != 0 {
		f.TypeExpected[src] = SectionBody
		return
	}
	f.endMessage(src)
}

func responseHasBody(s *Section) bool {
	code := s.flow.StatusCodeNum
	if (code >= 100 && code < 200) || code == 204 || code == 304 {
		return false
	}
	if t := s.Transaction(); t != nil {
		if req := t.Request(); req != nil && req.MethodID() == MethodHead {
			return false
		}
	}
	return true
}

func (h *HeaderBlock) compression(inf, ev *Bits128) Compression {
	v := h.ValueNorm(HeaderContentEncoding)
	if v.IsAbsent() || v.Len() == 0 {
		return CompressNone
	}
	codings := bytes.Split(v.data, []byte(","))
	if len(codings) > 1 {
		inf.Set(InfStackedEncoding)
		return CompressNone
	}
	switch string(codings[0]) {
	case "gzip", "x-gzip":
		return CompressGzip
	case "deflate":
		return CompressDeflate
	case "identity":
		return CompressNone
	}
	inf.Set(InfUnknownEncoding)
	ev.Set(EvtUnknownEncoding)
	return CompressNone
}

func (h *HeaderBlock) chunked(inf *Bits128) bool {
	v := h.ValueNorm(HeaderTransferEncoding)
	if v.IsAbsent() {
		return false
	}
	codings := bytes.Split(v.data, []byte(","))
	if string(codings[len(codings)-1]) == "chunked" {
		return true
	}
	inf.Set(InfBadTransferEncoding)
	return false
}

func (h *HeaderBlock) contentLength(inf, ev *Bits128) (int64, bool) {
	var length int64 = -1
	for i := range h.fields {
		if h.fields[i].id != HeaderContentLength {
			continue
		}
		n, ok := parseDecimal(h.fields[i].value.data)
		if !ok {
			inf.Set(InfBadContentLength)
			ev.Set(EvtBadContentLength)
			continue
		}
		if length >= 0 && n != length {
			inf.Set(InfMultipleContentLength)
			ev.Set(EvtMultipleContentLength)
		}
		length = n
	}
	return length, length >= 0
}

func parseDecimal(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if !isDigit(c) {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
