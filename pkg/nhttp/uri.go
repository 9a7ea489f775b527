// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import "bytes"

type uriForm int

const (
	uriOrigin uriForm = iota
	uriAbsolute
	uriAuthority
	uriAsterisk
	uriOther
)

// URI is a request target split into components, with raw and normalized
// views. Absent components are FieldAbsent; a present but empty component
// (such as a bare "?") is a zero-length Field.
type URI struct {
	form uriForm

	scheme   Field
	host     Field
	port     Field
	path     Field
	query    Field
	fragment Field

	normHost     Field
	normPath     Field
	normQuery    Field
	normFragment Field
}

func (u *URI) Scheme() Field { return u.scheme }
func (u *URI) Host() Field { return u.host }
func (u *URI) Port() Field { return u.port }
func (u *URI) Path() Field { return u.path }
func (u *URI) Query() Field { return u.query }
func (u *URI) Fragment() Field { return u.fragment }
func (u *URI) NormHost() Field { return u.normHost }
func (u *URI) NormPath() Field { return u.normPath }
func (u *URI) NormQuery() Field { return u.normQuery }
func (u *URI) NormFragment() Field { return u.normFragment }

func parseURI(raw Field, pad *ScratchPad, inf, ev *Bits128) *URI {
	u := &URI{
		scheme:   FieldAbsent,
		host:     FieldAbsent,
		port:     FieldAbsent,
		path:     FieldAbsent,
		query:    FieldAbsent,
		fragment: FieldAbsent,
	}
	b := raw.data
	for _, c := range b {
		if c <= ' ' || c == 0x7f {
			inf.Set(InfURIBadChar)
			break
		}
	}

	switch {
	case len(b) == 1 && b[0] == '*':
		u.form = uriAsterisk
		u.path = raw
	case len(b) > 0 && b[0] == '/':
		u.form = uriOrigin
		u.splitPathQuery(raw, 0, inf)
	default:
		if n := schemeLen(b); n > 0 {
			u.form = uriAbsolute
			u.scheme = raw.sub(0, n)
			start := n + 3
			end := start
			for end < len(b) && b[end] != '/' && b[end] != '?' && b[end] != '#' {
				end++
			}
			u.splitAuthority(raw, start, end, inf)
			if end < len(b) {
				u.splitPathQuery(raw, end, inf)
			}
		} else if bytes.IndexAny(b, "/?#") < 0 && len(b) > 0 {
			u.form = uriAuthority
			u.splitAuthority(raw, 0, len(b), inf)
		} else {
			u.form = uriOther
			inf.Set(InfURIBadChar)
			u.splitPathQuery(raw, 0, inf)
		}
	}

	u.normHost = normalizeComponent(u.host, pad, normHost, inf, ev)
	u.normPath = normalizeComponent(u.path, pad, normPath, inf, ev)
	u.normQuery = normalizeComponent(u.query, pad, normPlain, inf, ev)
	u.normFragment = normalizeComponent(u.fragment, pad, normPlain, inf, ev)
	return u
}

// schemeLen returns the length of a leading "scheme" followed by "://".
func schemeLen(b []byte) int {
	i := bytes.Index(b, []byte("://"))
	if i <= 0 || !isAlpha(b[0]) {
		return 0
	}
	for _, c := range b[1:i] {
		if !isAlpha(c) && !isDigit(c) && c != '+' && c != '-' && c != '.' {
			return 0
		}
	}
	return i
}

func (u *URI) splitAuthority(raw Field, start, end int, inf *Bits128) {
	b := raw.data
	if at := bytes.LastIndexByte(b[start:end], '@'); at >= 0 {
		start += at + 1
	}
	hostEnd := end
	if start < end && b[start] == '[' {
		if rb := bytes.IndexByte(b[start:end], ']'); rb >= 0 {
			hostEnd = start + rb + 1
		}
	} else if colon := bytes.IndexByte(b[start:end], ':'); colon >= 0 {
		hostEnd = start + colon
	}
	u.host = raw.sub(start, hostEnd)
	if hostEnd < end && b[hostEnd] == ':' {
		u.port = raw.sub(hostEnd+1, end)
		if u.port.Len() == 0 {
			inf.Set(InfURIBadPort)
		}
		for _, c := range u.port.data {
			if !isDigit(c) {
				inf.Set(InfURIBadPort)
				break
			}
		}
	}
}

func (u *URI) splitPathQuery(raw Field, start int, inf *Bits128) {
	b := raw.data
	end := len(b)
	if hash := bytes.IndexByte(b[start:], '#'); hash >= 0 {
		u.fragment = raw.sub(start+hash+1, end)
		end = start + hash
	}
	if q := bytes.IndexByte(b[start:end], '?'); q >= 0 {
		u.query = raw.sub(start+q+1, end)
		end = start + q
	}
	u.path = raw.sub(start, end)
}

// normLegacy rebuilds the whole URI from normalized pieces. Forms without
// a path keep the raw text.
func (u *URI) normLegacy(raw Field, pad *ScratchPad) Field {
	if u.form == uriAsterisk || u.form == uriAuthority {
		return raw
	}
	out := pad.Request(raw.Len() + 2)
	out = append(out, u.normPath.data...)
	if !u.normQuery.IsAbsent() {
		out = append(out, '?')
		out = append(out, u.normQuery.data...)
	}
	if !u.normFragment.IsAbsent() {
		out = append(out, '#')
		out = append(out, u.normFragment.data...)
	}
	if u.form == uriOrigin && bytes.Equal(out, raw.data) {
		return raw
	}
	return NewField(pad.Commit(out))
}

type normMode int

const (
	normPlain normMode = iota
	normHost
	normPath
)

// normalizeComponent decodes percent-escapes of unreserved characters,
// upper-cases the hex of the escapes that remain, and applies the
// component specific rules. A '%' that starts no valid escape is written
// as "%25" so a second pass cannot form a new escape from it. The result
// is idempotent. When nothing changes the raw view is returned and no
// scratch space is used.
func normalizeComponent(raw Field, pad *ScratchPad, mode normMode, inf, ev *Bits128) Field {
	if raw.IsAbsent() {
		return FieldAbsent
	}
	in := raw.data
	out := pad.Request(len(in) + 1)
	for i := 0; i < len(in); i++ {
		c := in[i]
		switch {
		case c == '%' && i+2 < len(in) && isHex(in[i+1]) && isHex(in[i+2]):
			v := unhex(in[i+1])<<4 | unhex(in[i+2])
			if isUnreserved(v) {
				inf.Set(InfURIPercentNormal)
				if mode == normHost {
					v = toLower(v)
				}
				out = append(out, v)
			} else {
				out = append(out, '%', toUpperHex(in[i+1]), toUpperHex(in[i+2]))
			}
			i += 2
		case c == '%' && i+1 < len(in) && (in[i+1] == 'u' || in[i+1] == 'U'):
			inf.Set(InfURIPercentUnicode)
			ev.Set(EvtURIPercentUnicode)
			out = append(out, '%', '2', '5')
		case c == '%':
			inf.Set(InfURIPercentBad)
			ev.Set(EvtURIPercentBad)
			out = append(out, '%', '2', '5')
		case c == '\\' && mode == normPath:
			inf.Set(InfURIBackslash)
			ev.Set(EvtURIBackslash)
			out = append(out, '/')
		case mode == normHost && c >= 'A' && c <= 'Z':
			inf.Set(InfURIHostCase)
			out = append(out, toLower(c))
		default:
			out = append(out, c)
		}
	}
	if mode == normPath {
		out = removeDotSegments(out, inf, ev)
	}
	if bytes.Equal(out, in) {
		return raw
	}
	return NewField(pad.Commit(out))
}

// removeDotSegments collapses repeated slashes and resolves "." and ".."
// segments in place. The write position never passes the read position.
func removeDotSegments(in []byte, inf, ev *Bits128) []byte {
	out := in[:0]
	i := 0
	for i < len(in) {
		if in[i] != '/' {
			k := i
			for k < len(in) && in[k] != '/' {
				k++
			}
			out = append(out, in[i:k]...)
			i = k
			continue
		}
		j := i + 1
		for j < len(in) && in[j] == '/' {
			inf.Set(InfURIDoubleSlash)
			j++
		}
		k := j
		for k < len(in) && in[k] != '/' {
			k++
		}
		seg := in[j:k]
		switch {
		case len(seg) == 1 && seg[0] == '.':
			inf.Set(InfURISlashDot)
			if k == len(in) {
				out = append(out, '/')
			}
		case len(seg) == 2 && seg[0] == '.' && seg[1] == '.':
			inf.Set(InfURISlashDotDot)
			ev.Set(EvtURITraversal)
			if cut := bytes.LastIndexByte(out, '/'); cut >= 0 {
				out = out[:cut]
			} else {
				inf.Set(InfURITraversalRoot)
			}
			if k == len(in) {
				out = append(out, '/')
			}
		default:
			out = append(out, '/')
			out = append(out, seg...)
		}
		i = k
	}
	if len(out) == 0 && len(in) > 0 {
		out = append(out, '/')
	}
	return out
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case isDigit(c):
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

func toUpperHex(c byte) byte {
	if c >= 'a' && c <= 'f' {
		return c - ('a' - 'A')
	}
	return c
}

func isUnreserved(c byte) bool {
	return isAlpha(c) || isDigit(c) || c == '-' || c == '.' || c == '_' || c == '~'
}
