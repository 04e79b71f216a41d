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

// Package testonly provides an in-memory partition catalog for update
// engine tests.
package testonly

import (
	"errors"
	"fmt"
	"testing"

	"github.com/firmwarekit/ota/partition"
)

// MemFlash is an in-memory partition catalog with a factory partition and
// two update slots. Fault injection flags make individual flash operations
// fail so error paths can be exercised.
type MemFlash struct {
	// Parts is the partition table.
	Parts []partition.Descriptor
	// Images holds the bytes written to each partition, by label.
	Images map[string][]byte
	// RunningLabel names the partition the fake device is running from.
	RunningLabel string
	// BootLabel names the next-boot partition set via SetBoot.
	BootLabel string
	// BootSwitches counts successful SetBoot calls.
	BootSwitches int

	FailBegin   bool
	FailWrite   bool
	FailEnd     bool
	FailSetBoot bool
}

// New creates a MemFlash with the conventional three-partition layout, all
// partitions of the given capacity, running from the first update slot.
func New(t *testing.T, capacity int64) *MemFlash {
	t.Helper()
	return &MemFlash{
		Parts: []partition.Descriptor{
			{Role: partition.RoleFactory, Label: "factory", Address: 0x010000, Capacity: capacity},
			{Role: partition.RoleOTA0, Label: "ota_0", Address: 0x110000, Capacity: capacity},
			{Role: partition.RoleOTA1, Label: "ota_1", Address: 0x210000, Capacity: capacity},
		},
		Images:       map[string][]byte{},
		RunningLabel: "ota_0",
	}
}

// Running implements partition.Catalog.
func (m *MemFlash) Running() (partition.Descriptor, error) {
	for _, d := range m.Parts {
		if d.Label == m.RunningLabel {
			return d, nil
		}
	}
	return partition.Descriptor{}, errors.New("no running partition")
}

// NextUpdateSlot implements partition.Catalog: the update slot that is not
// currently running.
func (m *MemFlash) NextUpdateSlot() (partition.Descriptor, error) {
	running, err := m.Running()
	if err != nil {
		return partition.Descriptor{}, err
	}
	next := partition.RoleOTA0
	if running.Role == partition.RoleOTA0 {
		next = partition.RoleOTA1
	}
	for _, d := range m.Parts {
		if d.Role == next {
			return d, nil
		}
	}
	return partition.Descriptor{}, fmt.Errorf("no %v partition", next)
}

// FindByRoleAndLabel implements partition.Catalog.
func (m *MemFlash) FindByRoleAndLabel(role partition.Role, label string) (partition.Descriptor, bool) {
	for _, d := range m.Parts {
		if d.Role == role && d.Label == label {
			return d, true
		}
	}
	return partition.Descriptor{}, false
}

// OpenTarget implements partition.Catalog.
func (m *MemFlash) OpenTarget(d partition.Descriptor) (partition.Target, error) {
	return &memTarget{m: m, d: d}, nil
}

// SetBoot implements partition.Catalog.
func (m *MemFlash) SetBoot(d partition.Descriptor) error {
	if m.FailSetBoot {
		return errors.New("injected set-boot failure")
	}
	m.BootLabel = d.Label
	m.BootSwitches++
	return nil
}

type memTarget struct {
	m *MemFlash
	d partition.Descriptor
}

func (t *memTarget) Begin(sizeHint int64) error {
	if t.m.FailBegin {
		return errors.New("injected begin failure")
	}
	if sizeHint > t.d.Capacity {
		return fmt.Errorf("size hint %d exceeds capacity %d", sizeHint, t.d.Capacity)
	}
	t.m.Images[t.d.Label] = nil
	return nil
}

func (t *memTarget) Write(p []byte) error {
	if t.m.FailWrite {
		return errors.New("injected write failure")
	}
	img := t.m.Images[t.d.Label]
	if int64(len(img)+len(p)) > t.d.Capacity {
		return fmt.Errorf("write beyond capacity %d", t.d.Capacity)
	}
	t.m.Images[t.d.Label] = append(img, p...)
	return nil
}

func (t *memTarget) End() error {
	if t.m.FailEnd {
		return errors.New("injected end failure")
	}
	return nil
}
