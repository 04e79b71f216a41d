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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/machinebox/progress"
	"k8s.io/klog/v2"

	"github.com/firmwarekit/ota/internal/httpresp"
	"github.com/firmwarekit/ota/internal/transfer"
	"github.com/firmwarekit/ota/partition"
)

// fetchReferenceDigest retrieves "<resource>.md5" and returns its first 32
// characters. The connection is closed before the caller opens the image
// connection; only one connection exists at a time.
func (e *Engine) fetchReferenceDigest(ctx context.Context, addr, server string, port int, resource string, buf []byte) (string, error) {
	conn, err := e.dial(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
	}
	defer conn.Close()

	if err := sendRequest(conn, resource+".md5", server, port); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestSend, err)
	}
	klog.Infof("connected to %s, requesting %q", addr, resource+".md5")

	_, n, err := httpresp.Read(conn, refDigestMax, digestHexLen, buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReferenceDigest, err)
	}
	if n < digestHexLen {
		return "", fmt.Errorf("%w: got %d of %d digest characters", ErrReferenceDigest, n, digestHexLen)
	}
	d := string(buf[:digestHexLen])
	if !isHexDigest(d) {
		return "", fmt.Errorf("%w: %q is not a hex digest", ErrReferenceDigest, d)
	}
	return d, nil
}

// fetchAndFlash retrieves the image resource and streams it into tgt.
func (e *Engine) fetchAndFlash(ctx context.Context, addr, server string, port int, resource string, desc partition.Descriptor, tgt partition.Target, buf []byte) (transfer.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := e.dial(ctx, addr)
	if err != nil {
		return transfer.Result{}, fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
	}
	defer conn.Close()

	if err := sendRequest(conn, resource, server, port); err != nil {
		return transfer.Result{}, fmt.Errorf("%w: %v", ErrRequestSend, err)
	}
	klog.Infof("connected to %s, requesting %q", addr, resource)

	// The declared length is capped by the partition capacity, so an
	// oversized image is refused before a single byte reaches flash.
	hdr, n, err := httpresp.Read(conn, desc.Capacity, 1, buf)
	if err != nil {
		if errors.Is(err, httpresp.ErrDeclaredTooLarge) {
			return transfer.Result{}, fmt.Errorf("%w: %v", ErrDeclaredTooLarge, err)
		}
		return transfer.Result{}, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}
	if n == 0 {
		return transfer.Result{}, fmt.Errorf("%w: no body received", ErrHeaderMalformed)
	}
	if buf[0] != imageMagic {
		return transfer.Result{}, fmt.Errorf("%w: %#02x", ErrInvalidMagic, buf[0])
	}
	if hdr.ContentLength > 0 {
		klog.Infof("update image size: %s", humanize.IBytes(uint64(hdr.ContentLength)))
	}

	body := io.Reader(conn)
	if remaining := hdr.ContentLength - int64(n); hdr.ContentLength > 0 && remaining > 0 {
		pr := progress.NewReader(conn)
		body = pr
		go logProgress(ctx, pr, resource, remaining)
	}

	klog.Infof("writing to %q partition at offset %#x", desc.Label, desc.Address)
	res, err := transfer.Run(body, tgt, buf[:n], hdr.ContentLength, desc.Capacity, buf, e.Watchdog)
	if err != nil {
		return res, wrapTransferErr(err)
	}
	klog.Infof("image written, total length %s", humanize.IBytes(uint64(res.BytesWritten)))
	return res, nil
}

func wrapTransferErr(err error) error {
	switch {
	case errors.Is(err, transfer.ErrLengthExceeded):
		return fmt.Errorf("%w: %v", ErrLengthExceeded, err)
	case errors.Is(err, transfer.ErrLengthMismatch):
		return fmt.Errorf("%w: %v", ErrLengthMismatch, err)
	case errors.Is(err, transfer.ErrWrite):
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return err
}

func sendRequest(w io.Writer, resource, server string, port int) error {
	_, err := fmt.Fprintf(w, "GET %s HTTP/1.1\r\nHost: %s:%d\r\n\r\n", resource, server, port)
	return err
}

// logProgress reports download progress once per second until the transfer
// finishes or ctx is cancelled. remaining counts the body bytes still to be
// read from the wire; bytes consumed during the header parse are excluded.
func logProgress(ctx context.Context, r progress.Counter, resource string, remaining int64) {
	for p := range progress.NewTicker(ctx, r, remaining, time.Second) {
		klog.Infof("downloading %q: %d%%, %v remaining", resource, int(p.Percent()), p.Remaining().Round(time.Second))
	}
}
