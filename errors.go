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

import "errors"

// Every failure mode of an update is a distinct sentinel so callers can
// discriminate with errors.Is. The wrapping message carries the expected vs
// actual values for the check that failed. All of them are terminal for the
// current call; the engine never retries internally.
var (
	// ErrPartitionNotFound means the running partition, the update slot or
	// a labelled partition could not be resolved from the catalog.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrPartitionBegin means the target partition could not be opened or
	// prepared for writing.
	ErrPartitionBegin = errors.New("partition begin failed")
	// ErrTargetIsRunning means the update would overwrite the image the
	// device is currently running from.
	ErrTargetIsRunning = errors.New("target partition is currently running")
	// ErrConnection means the update server could not be reached.
	ErrConnection = errors.New("connection failed")
	// ErrRequestSend means the request could not be written to the server.
	ErrRequestSend = errors.New("request send failed")
	// ErrHeaderMalformed means the response header terminator never
	// arrived within the bounded scan window, or no body followed it.
	ErrHeaderMalformed = errors.New("malformed response header")
	// ErrDeclaredTooLarge means the source declared an image longer than
	// the target partition capacity. Raised before any byte is written.
	ErrDeclaredTooLarge = errors.New("declared image length exceeds partition capacity")
	// ErrReferenceDigest means digest verification was requested but a
	// 32-character reference digest could not be obtained.
	ErrReferenceDigest = errors.New("reference digest unavailable")
	// ErrInvalidMagic means the first image byte is not the firmware
	// marker. Raised before any byte is written.
	ErrInvalidMagic = errors.New("invalid image magic byte")
	// ErrLengthExceeded means the source delivered more bytes than the
	// declared length or the partition capacity allows.
	ErrLengthExceeded = errors.New("image length bound exceeded")
	// ErrLengthMismatch means the source ended before the declared length
	// was reached.
	ErrLengthMismatch = errors.New("image length mismatch")
	// ErrDigestMismatch means the computed digest differs from the
	// reference digest. The boot partition is left unchanged.
	ErrDigestMismatch = errors.New("image digest mismatch")
	// ErrWrite wraps an underlying flash write failure.
	ErrWrite = errors.New("partition write failed")
	// ErrFinalize wraps a failure of the target finalize step.
	ErrFinalize = errors.New("partition finalize failed")
	// ErrBootSwitch wraps a failure of the set-boot-partition operation.
	ErrBootSwitch = errors.New("boot partition switch failed")
	// ErrSourceTooSmall means a staged update file is below the plausible
	// image size threshold.
	ErrSourceTooSmall = errors.New("source file too small")
	// ErrSourceUnreadable means a staged update file could not be opened
	// or read.
	ErrSourceUnreadable = errors.New("source file unreadable")
)
