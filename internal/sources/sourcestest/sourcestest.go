// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sourcestest writes minimal PE binaries that sources.Classify
// recognizes, for use in unit tests.
package sourcestest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"os"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/settings"
)

const (
	peOffset       = 0x40
	sectionRVA     = 0x2000
	sectionFileOff = 0x200
	sectionSize    = 0x200
	cliHeaderSize  = 72
)

// WriteManaged writes a managed assembly to path built for platform and
// carrying framework (e.g. ".NETCoreApp,Version=v8.0") as its target
// framework attribute. framework may be empty.
func WriteManaged(path string, platform settings.Platform, framework string) error {
	return write(path, platform, true, framework)
}

// WriteNative writes a native PE binary to path built for platform.
func WriteNative(path string, platform settings.Platform) error {
	return write(path, platform, false, "")
}

func write(path string, platform settings.Platform, managed bool, framework string) error {
	machine := uint16(pe.IMAGE_FILE_MACHINE_I386)
	var cliFlags uint32 = 0x1 // ILONLY
	switch platform {
	case settings.PlatformX86:
		cliFlags |= 0x2 // 32BITREQUIRED
	case settings.PlatformAnyCPU:
	case settings.PlatformX64:
		machine = pe.IMAGE_FILE_MACHINE_AMD64
	case settings.PlatformARM64:
		machine = pe.IMAGE_FILE_MACHINE_ARM64
	default:
		return errors.Errorf("unsupported platform %v", platform)
	}
	pe32Plus := machine != pe.IMAGE_FILE_MACHINE_I386

	var b bytes.Buffer
	dos := make([]byte, peOffset)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], peOffset)
	b.Write(dos)
	b.WriteString("PE\x00\x00")

	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     1,
		SizeOfOptionalHeader: 224,
		Characteristics:      0x2102,
	}
	if pe32Plus {
		fh.SizeOfOptionalHeader = 240
	}
	binary.Write(&b, binary.LittleEndian, &fh)

	var dirs [16]pe.DataDirectory
	if managed {
		dirs[14] = pe.DataDirectory{VirtualAddress: sectionRVA, Size: cliHeaderSize}
	}
	if pe32Plus {
		binary.Write(&b, binary.LittleEndian, &pe.OptionalHeader64{
			Magic:               0x20b,
			SectionAlignment:    0x2000,
			FileAlignment:       0x200,
			SizeOfImage:         0x4000,
			SizeOfHeaders:       sectionFileOff,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		})
	} else {
		binary.Write(&b, binary.LittleEndian, &pe.OptionalHeader32{
			Magic:               0x10b,
			SectionAlignment:    0x2000,
			FileAlignment:       0x200,
			SizeOfImage:         0x4000,
			SizeOfHeaders:       sectionFileOff,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		})
	}

	sh := pe.SectionHeader32{
		VirtualSize:      sectionSize,
		VirtualAddress:   sectionRVA,
		SizeOfRawData:    sectionSize,
		PointerToRawData: sectionFileOff,
		Characteristics:  0x60000020,
	}
	copy(sh.Name[:], ".text")
	binary.Write(&b, binary.LittleEndian, &sh)

	if b.Len() > sectionFileOff {
		return errors.New("PE headers overflow the first section")
	}
	b.Write(make([]byte, sectionFileOff-b.Len()))

	section := make([]byte, sectionSize)
	if managed {
		binary.LittleEndian.PutUint32(section[0:], cliHeaderSize)
		binary.LittleEndian.PutUint16(section[4:], 2)
		binary.LittleEndian.PutUint16(section[6:], 5)
		binary.LittleEndian.PutUint32(section[16:], cliFlags)
		if len(framework) > sectionSize-cliHeaderSize {
			return errors.New("framework name too long")
		}
		copy(section[cliHeaderSize:], framework)
	}
	b.Write(section)
	return os.WriteFile(path, b.Bytes(), 0644)
}
