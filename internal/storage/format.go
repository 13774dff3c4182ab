package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Image signatures.
var (
	// qcow2Magic is "QFI\xfb" at offset 0.
	// See https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// isoMagic is the standard identifier of the primary volume descriptor,
	// at offset 1 of sector 16.
	isoMagic  = []byte("CD001")
	isoOffset = int64(16*2048 + 1)

	// mbrSignature ends the boot sector of MBR and GPT (protective MBR)
	// disks.
	mbrSignature = []byte{0x55, 0xaa}
	mbrOffset    = int64(510)
)

// DetectImageFormat detects the format of the image file at path from its
// magic bytes. Raw images must carry a boot sector signature so arbitrary
// data files are rejected.
func DetectImageFormat(path string) (VolumeFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return detectFormat(f)
}

func detectFormat(r io.ReaderAt) (VolumeFormat, error) {
	if ok, err := hasMagic(r, 0, qcow2Magic); err != nil {
		return "", fmt.Errorf("file too small to be valid image: %w", err)
	} else if ok {
		return VolumeFormatQCOW2, nil
	}

	if ok, _ := hasMagic(r, isoOffset, isoMagic); ok {
		return VolumeFormatISO, nil
	}

	ok, err := hasMagic(r, mbrOffset, mbrSignature)
	if err != nil {
		return "", fmt.Errorf("file too small for boot sector: %w", err)
	}
	if ok {
		return VolumeFormatRaw, nil
	}
	return "", fmt.Errorf("unsupported or invalid image: not qcow2 or iso and missing boot sector signature (0x55aa at offset 510)")
}

func hasMagic(r io.ReaderAt, off int64, magic []byte) (bool, error) {
	buf := make([]byte, len(magic))
	if _, err := r.ReadAt(buf, off); err != nil {
		return false, err
	}
	return bytes.Equal(buf, magic), nil
}
