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

package ota

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/firmwarekit/ota/internal/transfer"
)

const (
	// minFileImageSize rejects obviously truncated staged files before
	// streaming begins.
	minFileImageSize = 100000

	// digestSidecarSuffix names the optional file holding the reference
	// digest for a staged image.
	digestSidecarSuffix = ".md5"

	// digestSidecarMaxSize is the largest plausible sidecar file: the
	// digest itself, optionally followed by a filename.
	digestSidecarMaxSize = 100
)

// UpdateFromFile streams a staged image file into the selected partition.
// The declared length is the file size; a sibling "<path>.md5" file, when
// present and well-formed, supplies a reference digest that the written
// image must match. Unlike the network variant, a missing or malformed
// sidecar is not an error, it simply skips verification.
func (e *Engine) UpdateFromFile(path string, opts Options) error {
	desc, err := e.resolveTarget(opts.ForceFactory)
	if err != nil {
		return err
	}

	tgt, err := e.beginTarget(desc)
	if err != nil {
		return err
	}

	want := readSidecarDigest(path + digestSidecarSuffix)
	if want != "" {
		klog.Infof("digest file found")
	} else {
		klog.Infof("digest file not found")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	expect := fi.Size()
	if expect <= minFileImageSize {
		return fmt.Errorf("%w: %d bytes", ErrSourceTooSmall, expect)
	}
	if expect > desc.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrDeclaredTooLarge, expect, desc.Capacity)
	}
	klog.Infof("update image size: %s", humanize.IBytes(uint64(expect)))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	defer f.Close()

	buf := make([]byte, transfer.ChunkSize)
	n, err := f.Read(buf)
	if n <= 0 {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	if buf[0] != imageMagic {
		return fmt.Errorf("%w: %#02x", ErrInvalidMagic, buf[0])
	}

	klog.Infof("writing to %q partition at offset %#x", desc.Label, desc.Address)
	res, err := transfer.Run(f, tgt, buf[:n], expect, desc.Capacity, buf, e.Watchdog)
	if err != nil {
		return wrapTransferErr(err)
	}
	klog.Infof("image written, total length %s", humanize.IBytes(uint64(res.BytesWritten)))

	if want != "" {
		if res.Digest != want {
			return fmt.Errorf("%w: computed %s, reference %s", ErrDigestMismatch, res.Digest, want)
		}
		klog.Infof("digest check passed")
	}

	return e.activate(desc, tgt, res.BytesWritten)
}

// readSidecarDigest returns the 32-character digest stored in the sidecar
// file, or "" when the file is absent, implausibly sized or not hex.
func readSidecarDigest(path string) string {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() < digestHexLen || fi.Size() >= digestSidecarMaxSize {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	b := make([]byte, digestHexLen)
	if _, err := io.ReadFull(f, b); err != nil {
		return ""
	}
	d := string(b)
	if !isHexDigest(d) {
		return ""
	}
	return d
}
