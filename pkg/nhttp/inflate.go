// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nhttp

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
)

// maxInflateInput bounds the compressed bytes kept per message.
const maxInflateInput = 256 << 10

// maxInflateOutput bounds the decompressed bytes produced per message.
const maxInflateOutput = 1 << 20

// maxInflateStep bounds the decompressed bytes produced per section.
const maxInflateStep = 256 << 10

var (
	errInflateInput  = errors.New("compressed input limit reached")
	errInflateOutput = errors.New("decompressed output limit reached")
)

// isInflateLimit reports whether err means a per-message bound was hit
// rather than the content being corrupt.
func isInflateLimit(err error) bool {
	return errors.Is(err, errInflateInput) || errors.Is(err, errInflateOutput)
}

// inflater decompresses a message body that arrives in pieces. The
// standard readers cannot resume after running out of input, so the
// compressed bytes seen so far are kept and re-inflated on each feed.
// Output that was already emitted is skipped, not held. Input and output
// are both bounded per message; once a bound or an error is hit the
// inflater stops until reset.
type inflater struct {
	in      []byte
	emitted int64
	done    bool
}

func (z *inflater) reset() {
	z.in = z.in[:0]
	z.emitted = 0
	z.done = false
}

// stop ends decompression for the current message and drops the input.
func (z *inflater) stop() {
	z.done = true
	z.in = nil
}

// feed adds data and returns newly decompressed bytes, at most limit.
func (z *inflater) feed(c Compression, data []byte, limit int64) ([]byte, error) {
	if z.done || limit <= 0 {
		return nil, nil
	}
	if len(z.in)+len(data) > maxInflateInput {
		z.stop()
		return nil, errInflateInput
	}
	z.in = append(z.in, data...)
	if c == CompressDeflate && len(z.in) < 2 {
		return nil, nil
	}

	room := maxInflateOutput - z.emitted
	n := limit
	if n > maxInflateStep {
		n = maxInflateStep
	}
	if n > room {
		n = room
	}

	r, err := z.reader(c)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil // header incomplete
		}
		z.stop()
		return nil, err
	}
	defer r.Close()

	if z.emitted > 0 {
		if _, err := io.CopyN(io.Discard, r, z.emitted); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, nil
			}
			z.stop()
			return nil, err
		}
	}

	// One byte past n tells a full step from the end of the stream.
	fresh, err := io.ReadAll(io.LimitReader(r, n+1))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		z.stop()
	} else {
		err = nil
	}
	over := int64(len(fresh)) > n
	if over {
		fresh = fresh[:n]
	}
	z.emitted += int64(len(fresh))
	if over && n == room {
		z.stop()
		err = errInflateOutput
	}
	if len(fresh) == 0 {
		fresh = nil
	}
	return fresh, err
}

func (z *inflater) reader(c Compression) (io.ReadCloser, error) {
	src := bytes.NewReader(z.in)
	if c == CompressGzip {
		return gzip.NewReader(src)
	}
	// "deflate" is usually zlib wrapped, but raw deflate is common too.
	if len(z.in) >= 2 && z.in[0]&0x0f == 8 && (uint16(z.in[0])<<8|uint16(z.in[1]))%31 == 0 {
		return zlib.NewReader(src)
	}
	return flate.NewReader(src), nil
}
