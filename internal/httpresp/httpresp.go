// Copyright 2025 The FirmwareKit OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpresp reads the minimal HTTP/1.1-shaped responses served by
// firmware download servers: the status line is ignored, headers are scanned
// for Content-Length only, and everything after the blank line is body.
//
// The header scan window is bounded and small, independent of the image
// size; the image itself is never buffered here.
package httpresp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// headerLimit bounds the header scan window. Headers whose terminator
	// does not appear within this many bytes are rejected.
	headerLimit = 512

	terminator         = "\r\n\r\n"
	contentLengthField = "Content-Length: "
)

var (
	// ErrTerminatorNotFound means the blank line ending the header block
	// never arrived within the scan window.
	ErrTerminatorNotFound = errors.New("header terminator not found")
	// ErrDeclaredTooLarge means the response declared a body longer than
	// the caller-supplied limit. It is reported before any body byte is
	// consumed beyond the scan window.
	ErrDeclaredTooLarge = errors.New("declared length exceeds limit")
)

// Header holds what the parser learned from the response headers.
type Header struct {
	// ContentLength is the declared body length, or -1 when the response
	// did not declare one. Callers fall back to EOF-terminated streaming
	// in the latter case.
	ContentLength int64
}

// Read consumes the response header from src and returns any body bytes that
// arrived with it. Body bytes are placed at the start of buf; additional
// reads are issued until at least min body bytes are available or src is
// exhausted. The returned count is the number of body bytes in buf, which
// may be less than min on a short source.
//
// A declared Content-Length greater than maxDeclared fails with
// ErrDeclaredTooLarge; the caller passes the target partition capacity here
// so that oversized images are refused before a single byte is written to
// flash.
func Read(src io.Reader, maxDeclared int64, min int, buf []byte) (Header, int, error) {
	hdr := Header{ContentLength: -1}

	window := make([]byte, headerLimit)
	filled, term := 0, -1
	for term < 0 {
		n, err := src.Read(window[filled:])
		if n > 0 {
			filled += n
			term = bytes.Index(window[:filled], []byte(terminator))
		}
		if term >= 0 {
			break
		}
		if err != nil || n == 0 {
			return hdr, 0, fmt.Errorf("%w in %d header bytes", ErrTerminatorNotFound, filled)
		}
		if filled == len(window) {
			return hdr, 0, fmt.Errorf("%w within %d bytes", ErrTerminatorNotFound, headerLimit)
		}
	}

	head := window[:term]
	if v, ok := fieldValue(head, contentLengthField); ok {
		if l, err := strconv.ParseInt(v, 10, 64); err == nil && l > 0 {
			hdr.ContentLength = l
		}
	}
	if hdr.ContentLength > 0 && hdr.ContentLength > maxDeclared {
		return hdr, 0, fmt.Errorf("%w: %d > %d", ErrDeclaredTooLarge, hdr.ContentLength, maxDeclared)
	}

	// Whatever followed the terminator is the start of the body.
	n := copy(buf, window[term+len(terminator):filled])
	for n < min {
		m, err := src.Read(buf[n:])
		n += m
		if m == 0 || err != nil {
			break
		}
	}
	return hdr, n, nil
}

// fieldValue scans the header region only, never past the terminator.
func fieldValue(head []byte, field string) (string, bool) {
	i := bytes.Index(head, []byte(field))
	if i < 0 {
		return "", false
	}
	v := head[i+len(field):]
	if j := bytes.Index(v, []byte("\r\n")); j >= 0 {
		v = v[:j]
	}
	return strings.TrimSpace(string(v)), true
}
