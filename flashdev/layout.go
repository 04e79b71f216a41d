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

package flashdev

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/firmwarekit/ota/partition"
)

// Layout describes the physical arrangement of the flash image: the
// partition regions and the boot-selector record.
// Great care must be taken if the layout is changed after images have been
// written: descriptors looked up under the old layout no longer match.
type Layout struct {
	// Selector is the region holding the persisted boot-selector record.
	Selector Region `yaml:"selector"`
	// Partitions lists the application partitions.
	Partitions []Entry `yaml:"partitions"`
}

// Region is a contiguous byte range of the flash image.
type Region struct {
	Offset int64 `yaml:"offset"`
	Size   int64 `yaml:"size"`
}

// Entry describes one partition in the layout file.
type Entry struct {
	Label  string `yaml:"label"`
	Role   string `yaml:"role"`
	Offset int64  `yaml:"offset"`
	Size   int64  `yaml:"size"`
}

// ParseLayout parses and validates a YAML layout document.
func ParseLayout(b []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(b, &l); err != nil {
		return Layout{}, fmt.Errorf("invalid layout: %v", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// LoadLayout reads a layout from a YAML file.
func LoadLayout(path string) (Layout, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, err
	}
	return ParseLayout(b)
}

// Validate checks that the layout is self-consistent.
func (l Layout) Validate() error {
	if l.Selector.Size < selectorRecordSize {
		return fmt.Errorf("invalid layout: selector region %d bytes, need at least %d", l.Selector.Size, selectorRecordSize)
	}
	if len(l.Partitions) == 0 {
		return fmt.Errorf("invalid layout: no partitions")
	}

	type span struct {
		name          string
		start, length int64
	}
	spans := []span{{"selector", l.Selector.Offset, l.Selector.Size}}
	labels := map[string]bool{}
	for _, e := range l.Partitions {
		if _, err := parseRole(e.Role); err != nil {
			return fmt.Errorf("invalid layout: partition %q: %v", e.Label, err)
		}
		if e.Label == "" || len(e.Label) > maxLabelLen {
			return fmt.Errorf("invalid layout: partition label %q must be 1..%d bytes", e.Label, maxLabelLen)
		}
		if labels[e.Label] {
			return fmt.Errorf("invalid layout: duplicate partition label %q", e.Label)
		}
		labels[e.Label] = true
		if e.Size <= 0 || e.Offset < 0 {
			return fmt.Errorf("invalid layout: partition %q has offset %d size %d", e.Label, e.Offset, e.Size)
		}
		spans = append(spans, span{e.Label, e.Offset, e.Size})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if prev.start+prev.length > cur.start {
			return fmt.Errorf("invalid layout: %q overlaps %q", prev.name, cur.name)
		}
	}
	return nil
}

func parseRole(s string) (partition.Role, error) {
	for _, r := range partition.BootRoles {
		if s == r.String() {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}
