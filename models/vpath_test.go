package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVirtualPath(t *testing.T) {
	t.Run("root only", func(t *testing.T) {
		vp := ParseVirtualPath("|root|/folder/file.bin")
		assert.Equal(t, []string{"root"}, vp.Chain)
		assert.Equal(t, "/folder/file.bin", vp.Path)
		assert.Equal(t, "root", vp.Root())
		assert.Equal(t, "root", vp.Parent())
		assert.Equal(t, []string{"folder", "file.bin"}, vp.Segments())
	})

	t.Run("nested chain", func(t *testing.T) {
		vp := ParseVirtualPath("|fw|a|b|/x")
		assert.Equal(t, []string{"fw", "a", "b"}, vp.Chain)
		assert.Equal(t, "b", vp.Parent())
		assert.Equal(t, "|fw|a|b|/x", vp.String())
	})

	t.Run("no chain", func(t *testing.T) {
		vp := ParseVirtualPath("plain/name")
		assert.Empty(t, vp.Chain)
		assert.Equal(t, "/plain/name", vp.Path)
		assert.Equal(t, "", vp.Root())
	})
}

func TestChildVirtualPath(t *testing.T) {
	fw := NewFirmwareObject("fw.zip", []byte("firmware"), FirmwareInfo{Vendor: "v"})
	archive := NewFileObject("a.tar", []byte("archive"))

	paths := ChildVirtualPath(&fw.FileObject, fw.UID, "/rootfs/a.tar")
	require.Len(t, paths, 1)
	assert.Equal(t, "|"+fw.UID+"|/rootfs/a.tar", paths[0])

	archive.AddVirtualPath(fw.UID, paths[0])
	archive.AddVirtualPath(fw.UID, "|"+fw.UID+"|/backup/a.tar")

	inner := ChildVirtualPath(archive, fw.UID, "etc/passwd")
	assert.Equal(t, []string{"|" + fw.UID + "|" + archive.UID + "|/etc/passwd"}, inner)
}

func TestFileObjectMerge(t *testing.T) {
	a := NewFileObject("x", []byte("same"))
	a.AddVirtualPath("r1", "|r1|/x")
	b := NewFileObject("x", []byte("same"))
	b.AddVirtualPath("r1", "|r1|/x")
	b.AddVirtualPath("r1", "|r1|/copy/x")
	b.AddVirtualPath("r2", "|r2|/x")
	b.AddIncludedFile("child")

	a.Merge(b)
	assert.Equal(t, []string{"|r1|/x", "|r1|/copy/x"}, a.VirtualFilePath["r1"])
	assert.Equal(t, []string{"|r2|/x"}, a.VirtualFilePath["r2"])
	assert.Equal(t, []string{"child"}, a.FilesIncluded)
	assert.Equal(t, []string{"r1", "r2"}, a.Roots())
}

func TestFirmwareHID(t *testing.T) {
	fw := NewFirmwareObject("test.zip", []byte("x"), FirmwareInfo{
		Vendor: "test_vendor", DeviceName: "test_router", Version: "0.1", DeviceClass: "Router",
	})
	assert.Equal(t, "test_vendor test_router - 0.1 (Router)", fw.Firmware.HID())
	assert.True(t, fw.IsFirmware())
	assert.Equal(t, []string{"|" + fw.UID + "|/test.zip"}, fw.VirtualFilePath[fw.UID])
}
