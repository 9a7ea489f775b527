// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

// RequestLine is the parsed client start line.
type RequestLine struct {
	method  Field
	uri     Field
	version Field

	methodID  MethodID
	versionID VersionID

	uriObj     *URI
	uriNormLeg Field
}

func (r *RequestLine) Method() Field { return r.method }
func (r *RequestLine) URI() Field { return r.uri }
func (r *RequestLine) Version() Field { return r.version }
func (r *RequestLine) MethodID() MethodID { return r.methodID }
func (r *RequestLine) VersionID() VersionID { return r.versionID }

// URIObject returns the split URI, nil when the request had none.
func (r *RequestLine) URIObject() *URI { return r.uriObj }

// URINormLegacy is the whole URI rebuilt from its normalized components.
func (r *RequestLine) URINormLegacy() Field { return r.uriNormLeg }

// StatusLine is the parsed server start line.
type StatusLine struct {
	version Field
	code    Field
	reason  Field

	versionID VersionID
	codeNum   int
}

func (st *StatusLine) Version() Field { return st.version }
func (st *StatusLine) StatusCode() Field { return st.code }
func (st *StatusLine) ReasonPhrase() Field { return st.reason }
func (st *StatusLine) VersionID() VersionID { return st.versionID }
func (st *StatusLine) StatusCodeNum() int { return st.codeNum }

// splitStartLine cuts a start line into at most three space separated
// tokens; the third keeps any embedded spaces.
func splitStartLine(line Field) (tokens [3]Field, n int) {
	b := line.data
	end := len(b)
	for end > 0 && (b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	pos := 0
	for n < 3 && pos < end {
		for pos < end && (b[pos] == ' ' || b[pos] == '\t') {
			pos++
		}
		if pos == end {
			break
		}
		start := pos
		if n == 2 {
			pos = end
			for pos > start && (b[pos-1] == ' ' || b[pos-1] == '\t') {
				pos--
			}
		} else {
			for pos < end && b[pos] != ' ' && b[pos] != '\t' {
				pos++
			}
		}
		tokens[n] = line.sub(start, pos)
		n++
	}
	return tokens, n
}

func parseRequestLine(s *Section) *RequestLine {
	r := &RequestLine{
		method:     FieldAbsent,
		uri:        FieldAbsent,
		version:    FieldAbsent,
		methodID:   MethodNotPresent,
		versionID:  VersionNotPresent,
		uriNormLeg: FieldAbsent,
	}
	inf, ev := s.Infractions(), s.Events()

	tokens, n := splitStartLine(s.msgText)
	switch n {
	case 3:
		r.method, r.uri, r.version = tokens[0], tokens[1], tokens[2]
		r.versionID = versionID(r.version.data)
		if r.versionID == VersionMalformed {
			inf.Set(InfBadVersion)
			ev.Set(EvtBadVersion)
		}
	case 2:
		r.method, r.uri = tokens[0], tokens[1]
		r.versionID = Version09
		inf.Set(InfVersion09)
	default:
		inf.Set(InfBadStartLine)
		ev.Set(EvtBadStartLine)
		if n == 1 {
			r.method = tokens[0]
		}
	}

	if !r.method.IsAbsent() {
		r.methodID = methodID(r.method.data)
		if r.methodID == MethodOther {
			inf.Set(InfUnknownMethod)
			ev.Set(EvtUnknownMethod)
		}
	}
	if !r.uri.IsAbsent() {
		r.uriObj = parseURI(r.uri, s.scratch, inf, ev)
		r.uriNormLeg = r.uriObj.normLegacy(r.uri, s.scratch)
	}
	return r
}

func (r *RequestLine) updateFlow(s *Section) {
	f := s.flow
	f.MethodID = r.methodID
	f.VersionID[SourceClient] = r.versionID
	if r.versionID == Version09 || r.methodID == MethodNotPresent {
		// No header block follows a simple request.
		f.endMessage(SourceClient)
		return
	}
	f.TypeExpected[SourceClient] = SectionHeader
}

func parseStatusLine(s *Section) *StatusLine {
	st := &StatusLine{
		version:   FieldAbsent,
		code:      FieldAbsent,
		reason:    FieldAbsent,
		versionID: VersionNotPresent,
		codeNum:   StatusNotPresent,
	}
	inf, ev := s.Infractions(), s.Events()

	tokens, n := splitStartLine(s.msgText)
	if n < 2 {
		inf.Set(InfBadStartLine)
		ev.Set(EvtBadStartLine)
		if n == 1 {
			st.version = tokens[0]
			st.versionID = versionID(st.version.data)
		}
		return st
	}
	st.version, st.code = tokens[0], tokens[1]
	if n == 3 {
		st.reason = tokens[2]
	} else {
		inf.Set(InfMissingReason)
	}

	st.versionID = versionID(st.version.data)
	if st.versionID == VersionMalformed {
		inf.Set(InfBadVersion)
		ev.Set(EvtBadVersion)
	}

	code := st.code.data
	if len(code) != 3 || !isDigit(code[0]) || !isDigit(code[1]) || !isDigit(code[2]) {
		inf.Set(InfBadStatusCode)
		ev.Set(EvtBadStatusCode)
		return st
	}
	st.codeNum = int(code[0]-'0')*100 + int(code[1]-'0')*10 + int(code[2]-'0')
	if st.codeNum < 100 || st.codeNum > 599 {
		inf.Set(InfStatusCodeRange)
	}
	return st
}

func (st *StatusLine) updateFlow(s *Section) {
	f := s.flow
	f.StatusCodeNum = st.codeNum
	f.VersionID[SourceServer] = st.versionID
	f.TypeExpected[SourceServer] = SectionHeader
	if st.codeNum >= 100 && st.codeNum < 200 && st.codeNum != 101 {
		// Interim response: the final status belongs to the same exchange.
		f.requeue(s.txnID)
	}
}
