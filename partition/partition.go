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

// Package partition defines the flash partition model consumed by the update
// engine: immutable partition descriptors, the catalog they are looked up in,
// and the writable target used to stream a new image into an inactive slot.
//
// The physical erase/program primitives and the persisted boot-selector
// record live behind the Catalog and Target interfaces; the engine never
// touches flash directly.
package partition

import "fmt"

// Role identifies the bootable role a partition fulfils.
type Role int

const (
	// RoleFactory holds the fallback/initial image, distinct from the
	// rotating update slots.
	RoleFactory Role = iota
	// RoleOTA0 and RoleOTA1 are the alternating over-the-air update slots,
	// rotated so the running image is never overwritten.
	RoleOTA0
	RoleOTA1
)

func (r Role) String() string {
	switch r {
	case RoleFactory:
		return "factory"
	case RoleOTA0:
		return "ota_0"
	case RoleOTA1:
		return "ota_1"
	}
	panic(fmt.Errorf("unknown Role %d", int(r)))
}

// BootRoles lists the application roles probed when resolving a partition by
// label, in probe order.
var BootRoles = [...]Role{RoleFactory, RoleOTA0, RoleOTA1}

// Descriptor describes a single partition. Descriptors are owned by the
// catalog and passed around by value; they never change once looked up.
type Descriptor struct {
	// Role is the application role of the partition.
	Role Role
	// Label is the human-readable partition name.
	Label string
	// Address is the physical byte offset of the partition on storage.
	Address int64
	// Capacity is the partition size in bytes, the hard ceiling for any
	// image written to it.
	Capacity int64
}

// Target is an open, writable partition. Write appends sequentially from the
// start of the partition; End must be called after the last Write before the
// partition may be activated. A Target is owned by a single update session.
type Target interface {
	// Begin prepares the partition to receive an image. sizeHint is the
	// declared image length, or -1 when the source did not declare one.
	Begin(sizeHint int64) error
	// Write programs the next len(p) bytes of the image.
	Write(p []byte) error
	// End finalizes the write. Activation is a separate step, via
	// Catalog.SetBoot.
	End() error
}

// Catalog is the partition table of the device. Implementations wrap the
// platform partition API, or a plain image file for host-side use.
type Catalog interface {
	// Running returns the partition the current firmware booted from.
	Running() (Descriptor, error)
	// NextUpdateSlot returns the inactive update slot per the catalog's
	// rotation policy. It never returns the running partition.
	NextUpdateSlot() (Descriptor, error)
	// FindByRoleAndLabel returns the partition with the given role and
	// label, if any.
	FindByRoleAndLabel(role Role, label string) (Descriptor, bool)
	// OpenTarget opens d for writing.
	OpenTarget(d Descriptor) (Target, error)
	// SetBoot marks d as the partition to boot from on next restart. It
	// only updates the persisted selector record, never partition
	// contents, and either fully applies or fails.
	SetBoot(d Descriptor) error
}

// FindBoot probes the application roles in order (factory first, then the
// update slots) for a partition with the given label and returns the first
// match.
func FindBoot(cat Catalog, label string) (Descriptor, bool) {
	for _, r := range BootRoles {
		if d, ok := cat.FindByRoleAndLabel(r, label); ok {
			return d, true
		}
	}
	return Descriptor{}, false
}
