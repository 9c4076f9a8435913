// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sources classifies test sources by framework, platform and binary
// type, and checks them against the run configuration.
package sources

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"io"
	"os"
	"regexp"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/settings"
)

// AssemblyType is the binary type of a source.
type AssemblyType int

// Assembly types. AssemblyNone means the source could not be classified.
const (
	AssemblyNone AssemblyType = iota
	AssemblyManaged
	AssemblyNative
)

func (t AssemblyType) String() string {
	switch t {
	case AssemblyManaged:
		return "managed"
	case AssemblyNative:
		return "native"
	}
	return "none"
}

// Source is a classified test source. It is immutable once created.
type Source struct {
	Path         string
	Framework    settings.Framework
	Platform     settings.Platform
	AssemblyType AssemblyType
	// Reason explains why AssemblyType is AssemblyNone.
	Reason string
}

const (
	// imageDirectoryEntryCOMDescriptor is the index of the CLI header in the
	// data directory of a PE optional header.
	imageDirectoryEntryCOMDescriptor = 14

	comImageFlagsILOnly        = 0x1
	comImageFlags32BitRequired = 0x2
)

// tfmRe matches the TargetFrameworkAttribute value stored in the metadata
// blob heap of managed assemblies.
var tfmRe = regexp.MustCompile(`\.NET(CoreApp|Framework|Standard),Version=v[0-9]+(\.[0-9]+)*`)

// Classify inspects the file at path. It never fails: a missing or
// unrecognized file yields AssemblyNone with Reason set.
func Classify(path string) *Source {
	src := &Source{Path: path}
	f, err := os.Open(path)
	if err != nil {
		src.Reason = err.Error()
		return src
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		src.Reason = "not a PE or ELF binary"
		return src
	}
	switch {
	case magic[0] == 'M' && magic[1] == 'Z':
		pf, err := pe.NewFile(f)
		if err != nil {
			src.Reason = err.Error()
			return src
		}
		defer pf.Close()
		if err := classifyPE(src, pf, f); err != nil {
			src.AssemblyType = AssemblyNone
			src.Reason = err.Error()
		}
	case string(magic[:]) == elf.ELFMAG:
		ef, err := elf.NewFile(f)
		if err != nil {
			src.Reason = err.Error()
			return src
		}
		defer ef.Close()
		if src.Platform = elfPlatform(ef.Machine); src.Platform == settings.PlatformUnset {
			src.Reason = "unsupported ELF machine " + ef.Machine.String()
			return src
		}
		src.AssemblyType = AssemblyNative
	default:
		src.Reason = "not a PE or ELF binary"
	}
	return src
}

func classifyPE(src *Source, pf *pe.File, r io.ReaderAt) error {
	switch pf.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		src.Platform = settings.PlatformX86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		src.Platform = settings.PlatformX64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		src.Platform = settings.PlatformARM64
	default:
		return errors.Errorf("unsupported PE machine %#x", pf.Machine)
	}

	var dirs []pe.DataDirectory
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return errors.New("PE file has no optional header")
	}
	if len(dirs) <= imageDirectoryEntryCOMDescriptor || dirs[imageDirectoryEntryCOMDescriptor].VirtualAddress == 0 {
		src.AssemblyType = AssemblyNative
		return nil
	}
	src.AssemblyType = AssemblyManaged

	flags, err := cliFlags(pf, dirs[imageDirectoryEntryCOMDescriptor].VirtualAddress)
	if err != nil {
		return err
	}
	if src.Platform == settings.PlatformX86 && flags&comImageFlagsILOnly != 0 && flags&comImageFlags32BitRequired == 0 {
		src.Platform = settings.PlatformAnyCPU
	}

	if fw, err := scanFramework(io.NewSectionReader(r, 0, 1<<62)); err == nil {
		src.Framework = fw
	}
	return nil
}

// cliFlags reads the Flags field of the CLI header at rva.
func cliFlags(pf *pe.File, rva uint32) (uint32, error) {
	for _, s := range pf.Sections {
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+s.VirtualSize {
			continue
		}
		// cb, MajorRuntimeVersion, MinorRuntimeVersion, MetaData (8 bytes), Flags.
		var buf [20]byte
		if _, err := s.ReadAt(buf[:], int64(rva-s.VirtualAddress)); err != nil {
			return 0, errors.Wrap(err, "failed to read CLI header")
		}
		return binary.LittleEndian.Uint32(buf[16:20]), nil
	}
	return 0, errors.Errorf("CLI header at %#x is outside all sections", rva)
}

func scanFramework(r io.Reader) (settings.Framework, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return settings.Framework{}, err
	}
	m := tfmRe.Find(b)
	if m == nil {
		return settings.Framework{}, errors.New("no target framework attribute")
	}
	return settings.ParseFramework(string(bytes.TrimSpace(m)))
}

func elfPlatform(m elf.Machine) settings.Platform {
	switch m {
	case elf.EM_386:
		return settings.PlatformX86
	case elf.EM_X86_64:
		return settings.PlatformX64
	case elf.EM_AARCH64:
		return settings.PlatformARM64
	}
	return settings.PlatformUnset
}
