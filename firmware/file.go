// Package firmware reads firmware images to be pushed over SUOTA.
//
// Two input formats are recognized: ELF files, which are flattened the way
// objcopy -O binary does, and everything else, which is taken as a raw image
// (the .img files produced by the vendor SDK).
package firmware

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// ErrMissing is returned when the firmware file does not exist, cannot be
// read or is empty. It is detected before any peripheral is touched.
var ErrMissing = errors.New("firmware file missing")

// Format names.
const (
	FormatRaw = "raw"
	FormatELF = "elf"
)

var elfMagic = []byte("\x7fELF")

// Image is a firmware image ready to be transferred.
type Image struct {
	// Name is the base name of the file the image was read from
	Name string

	// Format is FormatRaw or FormatELF
	Format string

	// Address is the load address of the first byte, 0 for raw images
	Address uint64

	// Data is the image content
	Data []byte
}

// Load reads the firmware image at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMissing, "%s: %v", path, err)
	}
	return Parse(filepath.Base(path), data)
}

// Parse detects the format of data and extracts the image.
func Parse(name string, data []byte) (*Image, error) {
	img := &Image{Name: name, Format: FormatRaw, Data: data}
	if bytes.HasPrefix(data, elfMagic) {
		addr, rom, err := extractELF(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		img.Format = FormatELF
		img.Address = addr
		img.Data = rom
	}
	if len(img.Data) == 0 {
		return nil, errors.Wrapf(ErrMissing, "%s: empty image", name)
	}
	return img, nil
}

// extractELF extracts a firmware image and its load address from an ELF
// file, emulating objcopy.
func extractELF(r io.ReaderAt) (uint64, []byte, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to open ELF file to extract text segment")
	}
	defer f.Close()

	// objcopy starts the memory dump at the load address of the lowest
	// allocated section.
	startAddr := ^uint64(0)
	for _, section := range f.Sections {
		if section.Type != elf.SHT_PROGBITS || section.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if section.Addr < startAddr {
			startAddr = section.Addr
		}
	}

	var progs []*elf.Prog
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		progs = append(progs, prog)
	}
	if len(progs) == 0 {
		return 0, nil, errors.New("file does not contain ROM segments")
	}
	sort.Slice(progs, func(i, j int) bool { return progs[i].Paddr < progs[j].Paddr })

	var rom []byte
	for _, prog := range progs {
		if prog.Paddr != progs[0].Paddr+uint64(len(rom)) {
			return 0, nil, errors.New("ROM segments are non-contiguous")
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to extract segment from ELF file")
		}
		rom = append(rom, data...)
	}

	// Data loaded before the first section (a bootloader in front of .text,
	// for example) is not part of the image.
	if progs[0].Paddr < startAddr && startAddr != ^uint64(0) {
		skip := startAddr - progs[0].Paddr
		if skip > uint64(len(rom)) {
			return 0, nil, errors.New("first section starts past the ROM segments")
		}
		return startAddr, rom[skip:], nil
	}
	return progs[0].Paddr, rom, nil
}
