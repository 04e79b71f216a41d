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

// Package ota drives firmware over-the-air updates: it streams a new image
// from an HTTP server or a staged file into an inactive flash partition,
// verifies length and digest invariants as the bytes are committed, and
// switches the boot target only after full, verified success.
//
// An Engine is synchronous and not reentrant: one update session, one open
// connection and one working buffer exist at a time. Restarting into the new
// image after a successful update is the caller's responsibility.
package ota

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/firmwarekit/ota/internal/transfer"
	"github.com/firmwarekit/ota/partition"
)

const (
	// imageMagic is the marker byte every valid firmware image starts
	// with. It is checked before anything is committed to flash.
	imageMagic = 0xE9

	// digestHexLen is the length of an MD5 digest in hex characters.
	digestHexLen = 32

	// refDigestMax bounds the body of a reference digest resource; the
	// digest file is 32 hex characters, possibly followed by a filename
	// and newline.
	refDigestMax = 128

	// DefaultResource is requested when no resource name is given.
	DefaultResource = "/firmware.bin"

	// DefaultFactoryLabel is the label probed for the factory partition
	// when updating with Options.ForceFactory.
	DefaultFactoryLabel = "factory"
)

// DialFunc opens the byte stream used to reach an update server.
type DialFunc func(ctx context.Context, network, addr string) (io.ReadWriteCloser, error)

// Engine performs firmware updates against a partition catalog.
type Engine struct {
	// Catalog is the device partition table.
	Catalog partition.Catalog

	// Dial opens connections for network updates. nil means a plain
	// net.Dialer.
	Dial DialFunc

	// Watchdog, when non-nil, is invoked once per transferred chunk so a
	// hardware watchdog can be serviced during slow transfers.
	Watchdog func()

	// FactoryLabel overrides DefaultFactoryLabel.
	FactoryLabel string
}

// Options control a single update call.
type Options struct {
	// VerifyDigest fetches the sibling ".md5" resource before the image
	// and requires the computed digest to match it exactly. Failure to
	// obtain a 32-character reference digest aborts before the image
	// transfer starts.
	VerifyDigest bool
	// ForceFactory targets the factory partition instead of the next
	// update slot. Refused when the factory partition is running.
	ForceFactory bool
}

// UpdateFromNetwork fetches the named resource from server:port over a
// minimal HTTP/1.1 exchange and writes it to the selected partition. On
// success the boot target points at the new image; on any failure the boot
// target is unchanged and the target partition content is indeterminate.
func (e *Engine) UpdateFromNetwork(ctx context.Context, server string, port int, resource string, opts Options) error {
	desc, err := e.resolveTarget(opts.ForceFactory)
	if err != nil {
		return err
	}

	if resource == "" {
		resource = DefaultResource
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}

	tgt, err := e.beginTarget(desc)
	if err != nil {
		return err
	}

	// One working buffer for the whole session, one chunk at a time.
	buf := make([]byte, transfer.ChunkSize)
	addr := net.JoinHostPort(server, strconv.Itoa(port))

	var want string
	if opts.VerifyDigest {
		if want, err = e.fetchReferenceDigest(ctx, addr, server, port, resource, buf); err != nil {
			return err
		}
		klog.Infof("received reference digest for %q", resource)
	}

	res, err := e.fetchAndFlash(ctx, addr, server, port, resource, desc, tgt, buf)
	if err != nil {
		return err
	}

	if opts.VerifyDigest {
		if res.Digest != want {
			return fmt.Errorf("%w: computed %s, reference %s", ErrDigestMismatch, res.Digest, want)
		}
		klog.Infof("digest check passed")
	}

	return e.activate(desc, tgt, res.BytesWritten)
}

// resolveTarget picks the partition to update and refuses targets that would
// overwrite the running image.
func (e *Engine) resolveTarget(forceFactory bool) (partition.Descriptor, error) {
	running, err := e.Catalog.Running()
	if err != nil {
		return partition.Descriptor{}, fmt.Errorf("%w: no running partition: %v", ErrPartitionNotFound, err)
	}

	var desc partition.Descriptor
	if forceFactory {
		if running.Role == partition.RoleFactory {
			return partition.Descriptor{}, fmt.Errorf("%w: cannot update factory partition from itself", ErrTargetIsRunning)
		}
		label := e.FactoryLabel
		if label == "" {
			label = DefaultFactoryLabel
		}
		var ok bool
		if desc, ok = e.Catalog.FindByRoleAndLabel(partition.RoleFactory, label); !ok {
			return partition.Descriptor{}, fmt.Errorf("%w: no factory partition labelled %q", ErrPartitionNotFound, label)
		}
	} else {
		if desc, err = e.Catalog.NextUpdateSlot(); err != nil {
			return partition.Descriptor{}, fmt.Errorf("%w: no update slot: %v", ErrPartitionNotFound, err)
		}
	}

	klog.Infof("starting OTA update from %q to %q partition", running.Label, desc.Label)
	return desc, nil
}

func (e *Engine) beginTarget(desc partition.Descriptor) (partition.Target, error) {
	tgt, err := e.Catalog.OpenTarget(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartitionBegin, err)
	}
	// The image size is not known yet; the capacity bound is enforced
	// chunk by chunk during the transfer.
	if err := tgt.Begin(-1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartitionBegin, err)
	}
	return tgt, nil
}

// activate finalizes the written partition and switches the boot target to
// it. The switch is never attempted unless finalize succeeded.
func (e *Engine) activate(desc partition.Descriptor, tgt partition.Target, written int64) error {
	if err := tgt.End(); err != nil {
		return fmt.Errorf("%w: %v", ErrFinalize, err)
	}
	if err := e.Catalog.SetBoot(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrBootSwitch, err)
	}
	klog.Infof("update complete, %s written to %q", humanize.IBytes(uint64(written)), desc.Label)
	klog.Infof("on next reboot the system will start from %q partition", desc.Label)
	return nil
}

// SetBootPartitionByLabel marks the partition with the given label, in any
// of the application roles, as the boot target for the next restart. It does
// not touch partition contents and is idempotent.
func (e *Engine) SetBootPartitionByLabel(label string) error {
	d, ok := partition.FindBoot(e.Catalog, label)
	if !ok {
		return fmt.Errorf("%w: no bootable partition labelled %q", ErrPartitionNotFound, label)
	}
	if err := e.Catalog.SetBoot(d); err != nil {
		return fmt.Errorf("%w: %v", ErrBootSwitch, err)
	}
	klog.Infof("on next reboot the system will start from %q partition (%s)", d.Label, d.Role)
	return nil
}

func (e *Engine) dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if e.Dial != nil {
		return e.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func isHexDigest(s string) bool {
	if len(s) != digestHexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' {
			continue
		}
		return false
	}
	return true
}
