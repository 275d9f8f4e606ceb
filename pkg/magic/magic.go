// Package magic identifies content by its leading bytes.
package magic

import (
	"bytes"
	"net/http"
	"strings"
)

const (
	MimeELFExecutable = "application/x-executable"
	MimeELFShared     = "application/x-sharedlib"
	MimeELFObject     = "application/x-object"
	MimeELFCore       = "application/x-coredump"
	MimeOctetStream   = "application/octet-stream"
	MimeText          = "text/plain"
)

type signature struct {
	offset int
	magic  []byte
	mime   string
	full   string
}

var signatures = []signature{
	{0, []byte{0x1f, 0x8b}, "application/gzip", "gzip compressed data"},
	{0, []byte("PK\x03\x04"), "application/zip", "Zip archive data"},
	{0, []byte("hsqs"), "filesystem/squashfs", "Squashfs filesystem, little endian"},
	{0, []byte("sqsh"), "filesystem/squashfs", "Squashfs filesystem, big endian"},
	{0, []byte{0x27, 0x05, 0x19, 0x56}, "firmware/uboot", "u-boot legacy uImage"},
	{0, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, "application/x-xz", "XZ compressed data"},
	{0, []byte("BZh"), "application/x-bzip2", "bzip2 compressed data"},
	{0, []byte{0x5d, 0x00, 0x00}, "application/x-lzma", "LZMA compressed data"},
	{0, []byte("070701"), "application/x-cpio", "ASCII cpio archive (SVR4 with no CRC)"},
	{0, []byte{0x85, 0x19}, "filesystem/jffs2", "jffs2 filesystem, little endian"},
	{0, []byte{0x45, 0x3d, 0xcd, 0x28}, "filesystem/cramfs", "Linux Compressed ROM File System data, little endian"},
	{257, []byte("ustar"), "application/x-tar", "POSIX tar archive"},
	{0, []byte("-----BEGIN "), "text/x-pem", "PEM encoded data"},
	{0, []byte("#!"), "text/x-shellscript", "script text executable"},
}

// Result of sniffing one buffer: a mime type and a longer description.
type Result struct {
	Mime string
	Full string
}

// Identify returns the mime type of data. It never fails; unknown binary
// content is application/octet-stream.
func Identify(data []byte) Result {
	if len(data) == 0 {
		return Result{Mime: "application/x-empty", Full: "empty"}
	}
	if r, ok := identifyELF(data); ok {
		return r
	}
	for _, s := range signatures {
		if len(data) >= s.offset+len(s.magic) && bytes.Equal(data[s.offset:s.offset+len(s.magic)], s.magic) {
			return Result{Mime: s.mime, Full: s.full}
		}
	}

	sniffed := http.DetectContentType(data)
	mime, _, _ := strings.Cut(sniffed, ";")
	switch {
	case strings.HasPrefix(mime, "text/plain"):
		return Result{Mime: MimeText, Full: "ASCII text"}
	case mime == MimeOctetStream:
		return Result{Mime: MimeOctetStream, Full: "data"}
	default:
		return Result{Mime: mime, Full: sniffed}
	}
}

// identifyELF reads e_type from the ELF header.
func identifyELF(data []byte) (Result, bool) {
	if len(data) < 18 || !bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return Result{}, false
	}
	var etype uint16
	switch data[5] {
	case 2:
		etype = uint16(data[16])<<8 | uint16(data[17])
	default:
		etype = uint16(data[17])<<8 | uint16(data[16])
	}
	switch etype {
	case 1:
		return Result{Mime: MimeELFObject, Full: "ELF relocatable"}, true
	case 2:
		return Result{Mime: MimeELFExecutable, Full: "ELF executable"}, true
	case 3:
		return Result{Mime: MimeELFShared, Full: "ELF shared object"}, true
	case 4:
		return Result{Mime: MimeELFCore, Full: "ELF core file"}, true
	}
	return Result{Mime: MimeOctetStream, Full: "ELF (unknown type)"}, true
}

// ELFMimes lists every mime Identify can return for ELF content.
func ELFMimes() []string {
	return []string{MimeELFExecutable, MimeELFShared, MimeELFObject, MimeELFCore}
}
