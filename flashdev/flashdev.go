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

// Package flashdev implements the partition catalog over a plain flash
// image file, with the partition table described by a YAML layout. It backs
// host-side tooling and realistic tests; on-device catalogs wrap the
// platform partition API instead.
//
// Partitions are fixed regions of the image file. The boot selection is a
// small fixed-size record in its own region: the label of the next-boot
// partition, NUL-terminated, padded with the flash erase value.
package flashdev

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"

	"github.com/firmwarekit/ota/partition"
)

const (
	// selectorRecordSize is the size of the persisted boot-selector
	// record.
	selectorRecordSize = 32

	// maxLabelLen leaves room for the record's NUL terminator.
	maxLabelLen = selectorRecordSize - 1

	// eraseBlockSize is the granularity used when erasing a partition
	// region.
	eraseBlockSize = 4096

	// eraseValue is the content of erased flash.
	eraseValue = 0xFF
)

// Device is a file-backed flash device implementing partition.Catalog.
type Device struct {
	f        *os.File
	selector Region
	parts    []partition.Descriptor
}

// Open opens (or creates) the flash image at path with the given layout.
func Open(path string, l Layout) (*Device, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %v", err)
	}
	d := &Device{f: f, selector: l.Selector}
	for _, e := range l.Partitions {
		role, _ := parseRole(e.Role)
		d.parts = append(d.parts, partition.Descriptor{
			Role:     role,
			Label:    e.Label,
			Address:  e.Offset,
			Capacity: e.Size,
		})
	}
	return d, nil
}

// Close releases the underlying image file.
func (d *Device) Close() error {
	return d.f.Close()
}

// Partitions returns the partition table.
func (d *Device) Partitions() []partition.Descriptor {
	return append([]partition.Descriptor(nil), d.parts...)
}

// Running implements partition.Catalog: the partition named by the selector
// record, or the factory partition when the record is blank.
func (d *Device) Running() (partition.Descriptor, error) {
	label, err := d.readSelector()
	if err != nil {
		return partition.Descriptor{}, err
	}
	if label == "" {
		for _, p := range d.parts {
			if p.Role == partition.RoleFactory {
				return p, nil
			}
		}
		return partition.Descriptor{}, errors.New("blank selector and no factory partition")
	}
	for _, p := range d.parts {
		if p.Label == label {
			return p, nil
		}
	}
	return partition.Descriptor{}, fmt.Errorf("selector names unknown partition %q", label)
}

// NextUpdateSlot implements partition.Catalog: the update slot not currently
// running. A device running from the factory partition updates into the
// first slot.
func (d *Device) NextUpdateSlot() (partition.Descriptor, error) {
	running, err := d.Running()
	if err != nil {
		return partition.Descriptor{}, err
	}
	next := partition.RoleOTA0
	if running.Role == partition.RoleOTA0 {
		next = partition.RoleOTA1
	}
	for _, p := range d.parts {
		if p.Role == next {
			return p, nil
		}
	}
	return partition.Descriptor{}, fmt.Errorf("no %v partition in layout", next)
}

// FindByRoleAndLabel implements partition.Catalog.
func (d *Device) FindByRoleAndLabel(role partition.Role, label string) (partition.Descriptor, bool) {
	for _, p := range d.parts {
		if p.Role == role && p.Label == label {
			return p, true
		}
	}
	return partition.Descriptor{}, false
}

// OpenTarget implements partition.Catalog.
func (d *Device) OpenTarget(desc partition.Descriptor) (partition.Target, error) {
	for _, p := range d.parts {
		if p == desc {
			return &target{dev: d, d: desc}, nil
		}
	}
	return nil, fmt.Errorf("descriptor %q does not belong to this device", desc.Label)
}

// SetBoot implements partition.Catalog: it rewrites the selector record and
// nothing else. Rewriting the same label is a no-op at the flash level.
func (d *Device) SetBoot(desc partition.Descriptor) error {
	rec := bytes.Repeat([]byte{eraseValue}, selectorRecordSize)
	n := copy(rec, desc.Label)
	rec[n] = 0x00
	if _, err := d.f.WriteAt(rec, d.selector.Offset); err != nil {
		return fmt.Errorf("failed to write selector record: %v", err)
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync selector record: %v", err)
	}
	klog.V(1).Infof("boot selector set to %q", desc.Label)
	return nil
}

// readSelector returns the label stored in the selector record. A record
// that was never written (short file or all erase value) reads as blank.
func (d *Device) readSelector() (string, error) {
	rec := make([]byte, selectorRecordSize)
	_, err := d.f.ReadAt(rec, d.selector.Offset)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read selector record: %v", err)
	}
	end := len(rec)
	for i, b := range rec {
		if b == 0x00 || b == eraseValue {
			end = i
			break
		}
	}
	return string(rec[:end]), nil
}

// target writes an image sequentially into one partition region.
type target struct {
	dev *Device
	d   partition.Descriptor
	off int64
}

// Begin erases the partition region to the flash erase value.
func (t *target) Begin(sizeHint int64) error {
	if sizeHint > t.d.Capacity {
		return fmt.Errorf("size hint %d exceeds capacity %d", sizeHint, t.d.Capacity)
	}
	blank := bytes.Repeat([]byte{eraseValue}, eraseBlockSize)
	blocks := (t.d.Capacity + eraseBlockSize - 1) / eraseBlockSize
	for i := int64(0); i < blocks; i++ {
		b := blank
		if rem := t.d.Capacity - i*eraseBlockSize; rem < eraseBlockSize {
			b = blank[:rem]
		}
		if _, err := t.dev.f.WriteAt(b, t.d.Address+i*eraseBlockSize); err != nil {
			return fmt.Errorf("failed to erase block %d: %v", i, err)
		}
		klog.V(2).Infof("erased %d/%d blocks", i+1, blocks)
	}
	t.off = 0
	return nil
}

// Write programs the next chunk of the image.
func (t *target) Write(p []byte) error {
	if t.off+int64(len(p)) > t.d.Capacity {
		return fmt.Errorf("write of %d bytes at %d exceeds capacity %d", len(p), t.off, t.d.Capacity)
	}
	if _, err := t.dev.f.WriteAt(p, t.d.Address+t.off); err != nil {
		return err
	}
	t.off += int64(len(p))
	return nil
}

// End flushes the programmed image to stable storage.
func (t *target) End() error {
	return t.dev.f.Sync()
}
