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
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/firmwarekit/ota/partition/testonly"
)

// fakeConn is a scripted server connection: reads serve a canned response,
// writes record the request.
type fakeConn struct {
	resp   *bytes.Reader
	req    bytes.Buffer
	closed int
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.resp.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.req.Write(p) }
func (c *fakeConn) Close() error                { c.closed++; return nil }

// dialScript hands out one fakeConn per dial, in order.
type dialScript struct {
	t     *testing.T
	conns []*fakeConn
	dials int
}

func (d *dialScript) dial(ctx context.Context, network, addr string) (io.ReadWriteCloser, error) {
	d.t.Helper()
	if d.dials >= len(d.conns) {
		d.t.Fatalf("unexpected dial #%d to %s", d.dials+1, addr)
	}
	c := d.conns[d.dials]
	d.dials++
	return c, nil
}

func newConn(resp []byte) *fakeConn {
	return &fakeConn{resp: bytes.NewReader(resp)}
}

// httpOK builds a minimal HTTP/1.1 response. contentLength < 0 omits the
// header field.
func httpOK(contentLength int64, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	if contentLength >= 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", contentLength)
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// testImage builds a valid firmware image: magic marker first, then
// deterministic filler.
func testImage(n int) []byte {
	b := make([]byte, n)
	b[0] = imageMagic
	for i := 1; i < n; i++ {
		b[i] = byte(i % 251)
	}
	return b
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestUpdateFromNetwork(t *testing.T) {
	img := testImage(1000)

	for _, test := range []struct {
		name     string
		capacity int64
		running  string
		opts     Options
		// responses, in dial order
		responses [][]byte
		wantErr   error
		wantDials int
		wantImage []byte // on the target slot
		wantBoot  string
	}{
		{
			name:      "success without digest",
			capacity:  2000,
			responses: [][]byte{httpOK(1000, img)},
			wantDials: 1,
			wantImage: img,
			wantBoot:  "ota_1",
		}, {
			name:      "success without content length",
			capacity:  2000,
			responses: [][]byte{httpOK(-1, img)},
			wantDials: 1,
			wantImage: img,
			wantBoot:  "ota_1",
		}, {
			name:      "declared length exceeds capacity",
			capacity:  4000,
			responses: [][]byte{httpOK(5000, nil)},
			wantErr:   ErrDeclaredTooLarge,
			wantDials: 1,
		}, {
			name:     "digest verified",
			capacity: 2000,
			opts:     Options{VerifyDigest: true},
			responses: [][]byte{
				httpOK(-1, []byte(md5hex(img)+"  firmware.bin\n")),
				httpOK(1000, img),
			},
			wantDials: 2,
			wantImage: img,
			wantBoot:  "ota_1",
		}, {
			name:     "short reference digest aborts before transfer",
			capacity: 2000,
			opts:     Options{VerifyDigest: true},
			responses: [][]byte{
				httpOK(-1, []byte("0123456789abcdef0123")),
			},
			wantErr:   ErrReferenceDigest,
			wantDials: 1,
		}, {
			name:     "non-hex reference digest aborts before transfer",
			capacity: 2000,
			opts:     Options{VerifyDigest: true},
			responses: [][]byte{
				httpOK(-1, []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")),
			},
			wantErr:   ErrReferenceDigest,
			wantDials: 1,
		}, {
			name:     "digest mismatch",
			capacity: 2000,
			opts:     Options{VerifyDigest: true},
			responses: [][]byte{
				httpOK(-1, []byte(md5hex([]byte("other")))),
				httpOK(1000, img),
			},
			wantErr:   ErrDigestMismatch,
			wantDials: 2,
		}, {
			name:      "invalid magic byte",
			capacity:  2000,
			responses: [][]byte{httpOK(1000, append([]byte{0x42}, img[1:]...))},
			wantErr:   ErrInvalidMagic,
			wantDials: 1,
		}, {
			name:      "body longer than declared",
			capacity:  20000,
			responses: [][]byte{httpOK(500, img)},
			wantErr:   ErrLengthExceeded,
			wantDials: 1,
		}, {
			name:      "body shorter than declared",
			capacity:  20000,
			responses: [][]byte{httpOK(2000, img)},
			wantErr:   ErrLengthMismatch,
			wantDials: 1,
		}, {
			name:      "empty body",
			capacity:  2000,
			responses: [][]byte{httpOK(-1, nil)},
			wantErr:   ErrHeaderMalformed,
			wantDials: 1,
		}, {
			name:      "force factory targets factory partition",
			capacity:  2000,
			opts:      Options{ForceFactory: true},
			responses: [][]byte{httpOK(1000, img)},
			wantDials: 1,
			wantImage: img,
			wantBoot:  "factory",
		}, {
			name:     "force factory refused while running factory",
			capacity: 2000,
			running:  "factory",
			opts:     Options{ForceFactory: true},
			wantErr:  ErrTargetIsRunning,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			mem := testonly.New(t, test.capacity)
			if test.running != "" {
				mem.RunningLabel = test.running
			}
			conns := make([]*fakeConn, len(test.responses))
			for i, r := range test.responses {
				conns[i] = newConn(r)
			}
			script := &dialScript{t: t, conns: conns}
			e := &Engine{Catalog: mem, Dial: script.dial}

			err := e.UpdateFromNetwork(context.Background(), "10.0.0.1", 80, "/firmware.bin", test.opts)

			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("UpdateFromNetwork: %v, want %v", err, test.wantErr)
				}
				if mem.BootSwitches != 0 {
					t.Errorf("boot switched %d times after failed update", mem.BootSwitches)
				}
			} else {
				if err != nil {
					t.Fatalf("UpdateFromNetwork: %v", err)
				}
				if mem.BootSwitches != 1 {
					t.Errorf("boot switched %d times, want 1", mem.BootSwitches)
				}
				if mem.BootLabel != test.wantBoot {
					t.Errorf("boot label %q, want %q", mem.BootLabel, test.wantBoot)
				}
				if diff := cmp.Diff(mem.Images[test.wantBoot], test.wantImage); diff != "" {
					t.Errorf("target image diff: %s", diff)
				}
			}
			if script.dials != test.wantDials {
				t.Errorf("dialed %d times, want %d", script.dials, test.wantDials)
			}
			for i, c := range conns[:script.dials] {
				if c.closed != 1 {
					t.Errorf("connection %d closed %d times, want exactly 1", i, c.closed)
				}
			}
		})
	}
}

func TestUpdateFromNetworkRequestFormat(t *testing.T) {
	img := testImage(1000)
	conn := newConn(httpOK(1000, img))
	script := &dialScript{t: t, conns: []*fakeConn{conn}}
	mem := testonly.New(t, 2000)
	e := &Engine{Catalog: mem, Dial: script.dial}

	if err := e.UpdateFromNetwork(context.Background(), "host", 8080, "fw.bin", Options{}); err != nil {
		t.Fatalf("UpdateFromNetwork: %v", err)
	}
	want := "GET /fw.bin HTTP/1.1\r\nHost: host:8080\r\n\r\n"
	if diff := cmp.Diff(conn.req.String(), want); diff != "" {
		t.Errorf("request diff: %s", diff)
	}
}

func TestUpdateFromNetworkFinalizeFailure(t *testing.T) {
	img := testImage(1000)
	mem := testonly.New(t, 2000)
	mem.FailEnd = true
	script := &dialScript{t: t, conns: []*fakeConn{newConn(httpOK(1000, img))}}
	e := &Engine{Catalog: mem, Dial: script.dial}

	err := e.UpdateFromNetwork(context.Background(), "10.0.0.1", 80, "/firmware.bin", Options{})
	if !errors.Is(err, ErrFinalize) {
		t.Fatalf("UpdateFromNetwork: %v, want %v", err, ErrFinalize)
	}
	if mem.BootSwitches != 0 {
		t.Errorf("boot switched %d times after finalize failure", mem.BootSwitches)
	}
}

func TestUpdateFromNetworkWatchdog(t *testing.T) {
	img := testImage(10000)
	mem := testonly.New(t, 20000)
	script := &dialScript{t: t, conns: []*fakeConn{newConn(httpOK(10000, img))}}

	ticks := 0
	e := &Engine{Catalog: mem, Dial: script.dial, Watchdog: func() { ticks++ }}

	if err := e.UpdateFromNetwork(context.Background(), "10.0.0.1", 80, "/firmware.bin", Options{}); err != nil {
		t.Fatalf("UpdateFromNetwork: %v", err)
	}
	if ticks == 0 {
		t.Error("watchdog never serviced during transfer")
	}
}

func TestSetBootPartitionByLabel(t *testing.T) {
	t.Run("existing label", func(t *testing.T) {
		mem := testonly.New(t, 2000)
		e := &Engine{Catalog: mem}
		if err := e.SetBootPartitionByLabel("ota_1"); err != nil {
			t.Fatalf("SetBootPartitionByLabel: %v", err)
		}
		if mem.BootLabel != "ota_1" {
			t.Errorf("boot label %q, want %q", mem.BootLabel, "ota_1")
		}
	})
	t.Run("unknown label", func(t *testing.T) {
		mem := testonly.New(t, 2000)
		e := &Engine{Catalog: mem}
		if err := e.SetBootPartitionByLabel("nope"); !errors.Is(err, ErrPartitionNotFound) {
			t.Fatalf("SetBootPartitionByLabel: %v, want %v", err, ErrPartitionNotFound)
		}
	})
	t.Run("switch failure", func(t *testing.T) {
		mem := testonly.New(t, 2000)
		mem.FailSetBoot = true
		e := &Engine{Catalog: mem}
		if err := e.SetBootPartitionByLabel("factory"); !errors.Is(err, ErrBootSwitch) {
			t.Fatalf("SetBootPartitionByLabel: %v, want %v", err, ErrBootSwitch)
		}
	})
}
