package filetree

import (
	"context"
	"errors"
	"testing"

	"github.com/InsulaLabs/fact/db/store"
	"github.com/InsulaLabs/fact/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]*models.FileObject

func (m mapSource) GetObject(uid string) (*models.FileObject, error) {
	fo, ok := m[uid]
	if !ok {
		return nil, &store.ErrObjectNotFound{UID: uid}
	}
	return fo, nil
}

func (m mapSource) add(fo *models.FileObject) *models.FileObject {
	m[fo.UID] = fo
	return fo
}

func object(uid, name string) *models.FileObject {
	return &models.FileObject{
		UID:               uid,
		FileName:          name,
		ProcessedAnalysis: map[string]models.AnalysisEntry{},
		VirtualFilePath:   map[string][]string{},
	}
}

func collect(t *testing.T, b *Builder, start, root string) []*Node {
	t.Helper()
	var out []*Node
	for n, err := range b.Build(context.Background(), start, root) {
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func TestBuild_FolderAndLeaf(t *testing.T) {
	src := mapSource{}
	fo := src.add(object("file_uid", "file.bin"))
	fo.VirtualFilePath["root"] = []string{"|root|/folder/file.bin"}
	fo.MimeType = "application/octet-stream"

	nodes := collect(t, NewBuilder(src), "file_uid", "root")
	require.Len(t, nodes, 1)

	folder := nodes[0]
	assert.Equal(t, "folder", folder.Name)
	assert.Equal(t, TypeDirectory, folder.Type)
	assert.True(t, folder.Virtual)
	assert.True(t, folder.HasChildren)

	children, err := folder.Children(context.Background())
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "file.bin", children[0].Name)
	assert.Equal(t, "file_uid", children[0].UID)
	assert.Equal(t, "application/octet-stream", children[0].Type)
	assert.False(t, children[0].HasChildren)
}

func TestBuild_EmptyMappingUsesBareName(t *testing.T) {
	src := mapSource{}
	src.add(object("file_uid", "file.bin"))

	nodes := collect(t, NewBuilder(src), "file_uid", "root")
	require.Len(t, nodes, 1)
	assert.Equal(t, "file.bin", nodes[0].Name)
	assert.False(t, nodes[0].Virtual)
	assert.Equal(t, TypeUnknown, nodes[0].Type)
}

func TestBuild_UnknownRootNeverEmpty(t *testing.T) {
	src := mapSource{}
	fo := src.add(object("f", "testfile2"))
	fo.VirtualFilePath = map[string][]string{
		"a": {"|a|/test_file"},
		"b": {"|b|/get_files_test/testfile2"},
	}

	nodes := collect(t, NewBuilder(src), "f", "c")
	require.Len(t, nodes, 1)
	assert.Equal(t, "testfile2", nodes[0].Name)

	nodes = collect(t, NewBuilder(src, WithFallback(FirstRecordedFallback)), "f", "c")
	require.Len(t, nodes, 1)
	assert.Equal(t, "test_file", nodes[0].Name)
}

func TestBuild_MergesCommonPrefix(t *testing.T) {
	src := mapSource{}
	fo := src.add(object("busybox", "busybox"))
	fo.MimeType = "application/x-executable"
	fo.VirtualFilePath["root"] = []string{
		"|root|/bin/busybox",
		"|root|/bin/sh",
		"|root|/sbin/init",
	}
	fo.VirtualFilePath["other"] = []string{"|other|/usr/bin/busybox"}

	nodes := collect(t, NewBuilder(src), "busybox", "root")
	require.Len(t, nodes, 2)
	assert.Equal(t, "bin", nodes[0].Name)
	assert.Equal(t, "sbin", nodes[1].Name)

	bin, err := nodes[0].Children(context.Background())
	require.NoError(t, err)
	require.Len(t, bin, 2)
	assert.Equal(t, "busybox", bin[0].Name)
	assert.Equal(t, "sh", bin[1].Name)
	assert.Equal(t, bin[0].UID, bin[1].UID)
}

func TestBuild_FirmwareWithChild(t *testing.T) {
	src := mapSource{}
	fw := src.add(object("fw", "test.zip"))
	fw.Firmware = &models.FirmwareInfo{Vendor: "test_vendor", DeviceName: "test_router", Version: "0.1", DeviceClass: "Router"}
	fw.VirtualFilePath["fw"] = []string{"|fw|/test.zip"}
	fw.FilesIncluded = []string{"child"}

	child := src.add(object("child", "testfile1"))
	child.VirtualFilePath["fw"] = []string{"|fw|/folder/testfile1"}
	child.ProcessedAnalysis["file_type"] = models.AnalysisEntry{
		Status: models.AnalysisStatusDone,
		Result: models.AnalysisResult{"mime": "sometype"},
	}

	b := NewBuilder(src)
	nodes := collect(t, b, "fw", "fw")
	require.Len(t, nodes, 1)
	assert.Equal(t, "test.zip", nodes[0].Name)
	assert.True(t, nodes[0].HasChildren)

	nodes = collect(t, b, "child", "fw")
	require.Len(t, nodes, 1)
	assert.Equal(t, "folder", nodes[0].Name)
	assert.True(t, nodes[0].HasChildren)
	grand, err := nodes[0].Children(context.Background())
	require.NoError(t, err)
	require.Len(t, grand, 1)
	assert.Equal(t, "sometype", grand[0].Type)
	assert.False(t, grand[0].HasChildren)
	assert.Equal(t, "testfile1", grand[0].Name)

	// Descending from the firmware leaf reaches the same child.
	fwChildren, err := collect(t, b, "fw", "fw")[0].Children(context.Background())
	require.NoError(t, err)
	require.Len(t, fwChildren, 1)
	assert.Equal(t, "folder", fwChildren[0].Name)
}

func TestBuild_CycleIsTruncated(t *testing.T) {
	src := mapSource{}
	a := src.add(object("A", "a.img"))
	a.VirtualFilePath["A"] = []string{"|A|/a.img"}
	a.FilesIncluded = []string{"B"}
	b := src.add(object("B", "b.img"))
	b.VirtualFilePath["A"] = []string{"|A|/b.img"}
	b.FilesIncluded = []string{"A"}

	tree, err := NewBuilder(src).Expand(context.Background(), "A", "A", 0)
	require.NoError(t, err)
	require.Len(t, tree, 1)

	require.Len(t, tree[0].Children, 1)
	nodeB := tree[0].Children[0]
	assert.Equal(t, "B", nodeB.UID)

	require.Len(t, nodeB.Children, 1)
	marker := nodeB.Children[0]
	assert.Equal(t, "A", marker.UID)
	assert.True(t, marker.Truncated)
	assert.Equal(t, TypeCycle, marker.Type)
	assert.Empty(t, marker.Children)
}

func TestBuild_Restartable(t *testing.T) {
	src := mapSource{}
	fo := src.add(object("f", "f"))
	fo.VirtualFilePath["r"] = []string{"|r|/x/f", "|r|/y/f"}

	seq := NewBuilder(src).Build(context.Background(), "f", "r")
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())

	fo.VirtualFilePath["r"] = append(fo.VirtualFilePath["r"], "|r|/z/f")
	assert.Equal(t, 3, count(), "build reflects the store at iteration time")
}

func TestBuild_Errors(t *testing.T) {
	var got error
	for _, err := range NewBuilder(mapSource{}).Build(context.Background(), "missing", "r") {
		got = err
	}
	var nf *store.ErrObjectNotFound
	assert.True(t, errors.As(got, &nf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range NewBuilder(mapSource{}).Build(ctx, "missing", "r") {
		got = err
	}
	assert.ErrorIs(t, got, context.Canceled)
}

func TestExpand_MaxDepth(t *testing.T) {
	src := mapSource{}
	fw := src.add(object("fw", "fw.bin"))
	fw.VirtualFilePath["fw"] = []string{"|fw|/fw.bin"}
	fw.FilesIncluded = []string{"c1"}
	c1 := src.add(object("c1", "c1"))
	c1.VirtualFilePath["fw"] = []string{"|fw|/c1"}
	c1.FilesIncluded = []string{"c2"}
	c2 := src.add(object("c2", "c2"))
	c2.VirtualFilePath["fw"] = []string{"|fw|c1|/c2"}

	tree, err := NewBuilder(src).Expand(context.Background(), "fw", "fw", 2)
	require.NoError(t, err)
	require.Len(t, tree[0].Children, 1)
	assert.True(t, tree[0].Children[0].HasChildren)
	assert.Empty(t, tree[0].Children[0].Children)

	tree, err = NewBuilder(src).Expand(context.Background(), "fw", "fw", 0)
	require.NoError(t, err)
	require.Len(t, tree[0].Children[0].Children, 1)
	assert.Equal(t, "c2", tree[0].Children[0].Children[0].Name)
}

func TestGetHID(t *testing.T) {
	src := mapSource{}
	fw := src.add(object("fw", "test.zip"))
	fw.Firmware = &models.FirmwareInfo{Vendor: "test_vendor", DeviceName: "test_router", Version: "0.1", DeviceClass: "Router"}

	fo := src.add(object("f", "testfile2"))
	fo.VirtualFilePath = map[string][]string{
		"a": {"|a|/test_file"},
		"b": {"|b|/get_files_test/testfile2"},
	}

	b := NewBuilder(src)
	hid, err := b.GetHID("fw", "")
	require.NoError(t, err)
	assert.Equal(t, "test_vendor test_router - 0.1 (Router)", hid)

	hid, err = b.GetHID("f", "b")
	require.NoError(t, err)
	assert.Equal(t, "/get_files_test/testfile2", hid)

	for _, root := range []string{"", "c"} {
		hid, err = b.GetHID("f", root)
		require.NoError(t, err)
		assert.Equal(t, "/", hid[:1])
	}

	hid, err = b.GetHID("foo", "")
	require.NoError(t, err)
	assert.Equal(t, "", hid)
}
