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

// Package transfer implements the streaming flash-write pipeline: it moves
// body bytes from a source into a partition target one bounded chunk at a
// time, keeping a running MD5 over exactly the bytes committed, in the same
// order and chunking. It never holds more than one chunk in memory
// regardless of the total image size.
package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/firmwarekit/ota/partition"
)

// ChunkSize is the working-buffer size used for a transfer session.
const ChunkSize = 4096

var (
	// ErrLengthExceeded means accepting the next chunk would push the
	// total past the declared length or the partition capacity. The
	// offending chunk is never written.
	ErrLengthExceeded = errors.New("length bound exceeded")
	// ErrLengthMismatch means the source ended before delivering the
	// declared number of bytes.
	ErrLengthMismatch = errors.New("body shorter than declared length")
	// ErrWrite wraps a failure of the underlying partition write.
	ErrWrite = errors.New("partition write failed")
)

// Result is the outcome of a completed transfer.
type Result struct {
	// BytesWritten is the total number of body bytes committed.
	BytesWritten int64
	// Digest is the MD5 of everything written, as 32 lowercase hex
	// characters.
	Digest string
}

// Run streams body bytes from src into dst.
//
// first holds body bytes already read during header parsing and is used as
// the initial chunk; every subsequent chunk is read into buf, the session
// working buffer (first may alias buf). expect is the declared body length,
// or -1 when the source declared none, in which case the stream is
// EOF-terminated. capacity is the physical ceiling of the target partition.
//
// Both bounds are checked before a chunk is committed, so dst never receives
// a byte beyond either. tick, when non-nil, is invoked once per chunk so the
// caller can service a watchdog during slow transfers.
func Run(src io.Reader, dst partition.Target, first []byte, expect, capacity int64, buf []byte, tick func()) (Result, error) {
	sum := md5.New()
	var written int64

	chunk := first
	for len(chunk) > 0 {
		if tick != nil {
			tick()
		}
		n := int64(len(chunk))
		if expect >= 0 && written+n > expect {
			return Result{BytesWritten: written}, fmt.Errorf("%w: %d > declared %d", ErrLengthExceeded, written+n, expect)
		}
		if written+n > capacity {
			return Result{BytesWritten: written}, fmt.Errorf("%w: %d > partition capacity %d", ErrLengthExceeded, written+n, capacity)
		}
		if err := dst.Write(chunk); err != nil {
			return Result{BytesWritten: written}, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		sum.Write(chunk)
		written += n
		klog.V(2).Infof("received %s", humanize.IBytes(uint64(written)))

		// A short or failed read ends the stream; when a length was
		// declared, the mismatch check below catches truncation.
		m, _ := src.Read(buf)
		if m == 0 {
			break
		}
		chunk = buf[:m]
	}

	if expect >= 0 && written != expect {
		return Result{BytesWritten: written}, fmt.Errorf("%w: wrote %d of declared %d", ErrLengthMismatch, written, expect)
	}
	return Result{
		BytesWritten: written,
		Digest:       hex.EncodeToString(sum.Sum(nil)),
	}, nil
}
