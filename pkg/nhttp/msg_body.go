// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

// BodyChunk is one body section. Its detect buffer is the (decompressed)
// content clipped to the remaining detection depth.
type BodyChunk struct {
	raw      Field
	detect   Field
	fileData Field
}

// DetectBuf returns the bytes eligible for detection.
func (b *BodyChunk) DetectBuf() Field { return b.detect }

// FileData returns the bytes eligible for file inspection.
func (b *BodyChunk) FileData() Field { return b.fileData }

// Raw returns the body bytes as delivered.
func (b *BodyChunk) Raw() Field { return b.raw }

func analyzeBody(s *Section) *BodyChunk {
	f, src := s.flow, s.source
	b := &BodyChunk{raw: s.msgText, detect: FieldAbsent, fileData: FieldAbsent}

	content := s.msgText
	if f.Compression[src] != CompressNone && s.params.Unzip {
		limit := f.DetectDepthRemaining[src]
		if f.FileDepthRemaining[src] > limit {
			limit = f.FileDepthRemaining[src]
		}
		out, err := f.zip[src].feed(f.Compression[src], s.msgText.data, limit)
		switch {
		case isInflateLimit(err):
			s.Infractions().Set(InfDecompressionLimit)
			s.Events().Set(EvtDecompressionLimit)
		case err != nil:
			if f.Compression[src] == CompressGzip {
				s.Infractions().Set(InfGzipFailure)
			} else {
				s.Infractions().Set(InfDeflateFailure)
			}
			s.Events().Set(EvtDecompressionFailure)
		}
		content = NewField(out)
	}

	if d := f.DetectDepthRemaining[src]; d > 0 {
		n := int64(content.Len())
		if n > d {
			n = d
			s.Infractions().Set(InfBodyTruncated)
		}
		b.detect = content.sub(0, int(n))
		f.DetectDepthRemaining[src] -= n
	}
	if d := f.FileDepthRemaining[src]; d > 0 {
		n := int64(content.Len())
		if n > d {
			n = d
		}
		b.fileData = content.sub(0, int(n))
		f.FileDepthRemaining[src] -= n
	}
	return b
}

func (b *BodyChunk) updateFlow(s *Section) {
	f, src := s.flow, s.source
	f.BodyOctets[src] += int64(b.raw.Len())
	if !f.Chunked[src] && f.DataLength[src] >= 0 && f.BodyOctets[src] >= f.DataLength[src] {
		f.endMessage(src)
	}
}

// FinishBody tells the flow that the splitter reached the end of the
// current message body. Chunked bodies continue with a trailer; an empty
// trailer ends the message directly.
func (f *FlowData) FinishBody(source SourceID, trailer bool) {
	if trailer {
		f.TypeExpected[source] = SectionTrailer
		return
	}
	f.endMessage(source)
}
