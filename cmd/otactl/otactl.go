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

// otactl drives firmware updates against a file-backed flash image, for
// bench testing partition layouts and update servers without a device.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/firmwarekit/ota"
	"github.com/firmwarekit/ota/flashdev"
)

type Config struct {
	image  string
	layout string

	server   string
	port     int
	resource string
	file     string

	md5          bool
	forceFactory bool

	bootLabel string
	list      bool
}

var conf *Config

func init() {
	conf = &Config{}

	flag.StringVar(&conf.image, "i", "flash.img", "flash image file")
	flag.StringVar(&conf.layout, "t", "layout.yaml", "partition layout file")
	flag.StringVar(&conf.server, "s", "", "update server host")
	flag.IntVar(&conf.port, "p", 80, "update server port")
	flag.StringVar(&conf.resource, "n", ota.DefaultResource, "image resource name")
	flag.StringVar(&conf.file, "f", "", "staged update file")
	flag.BoolVar(&conf.md5, "5", false, "verify image against its .md5 sibling")
	flag.BoolVar(&conf.forceFactory, "F", false, "update the factory partition")
	flag.StringVar(&conf.bootLabel, "b", "", "set boot partition by label")
	flag.BoolVar(&conf.list, "l", false, "list partitions")

	klog.InitFlags(nil)
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			klog.Exitf("fatal error, %v", err)
		}
	}()

	flag.Parse()

	if flag.NFlag() == 0 {
		return
	}

	layout, err := flashdev.LoadLayout(conf.layout)
	if err != nil {
		return
	}
	dev, err := flashdev.Open(conf.image, layout)
	if err != nil {
		return
	}
	defer dev.Close()

	engine := &ota.Engine{Catalog: dev}
	opts := ota.Options{VerifyDigest: conf.md5, ForceFactory: conf.forceFactory}

	switch {
	case conf.list:
		for _, p := range dev.Partitions() {
			fmt.Printf("%-8s %-16s %#010x %s\n", p.Role, p.Label, p.Address, humanize.IBytes(uint64(p.Capacity)))
		}
	case conf.bootLabel != "":
		err = engine.SetBootPartitionByLabel(conf.bootLabel)
	case conf.file != "":
		err = engine.UpdateFromFile(conf.file, opts)
	case conf.server != "":
		err = engine.UpdateFromNetwork(context.Background(), conf.server, conf.port, conf.resource, opts)
	}
}
