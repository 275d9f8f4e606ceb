package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"time"
)

// AnalysisResult is the opaque payload a plugin produces for one object.
type AnalysisResult map[string]any

type AnalysisStatus string

const (
	AnalysisStatusDone   AnalysisStatus = "done"
	AnalysisStatusFailed AnalysisStatus = "failed"
)

// FailureCause classifies why an analysis entry is marked failed.
type FailureCause string

const (
	CausePluginError      FailureCause = "plugin_error"
	CauseTimeout          FailureCause = "timeout"
	CauseDependencyFailed FailureCause = "dependency_failed"
	CauseStorage          FailureCause = "storage"
	CauseCancelled        FailureCause = "cancelled"
)

/*
	One slot of an object's processed analysis. A slot is written as a whole,
	never field by field, so a reader sees either nothing or the complete
	result of one plugin at one version.
*/
type AnalysisEntry struct {
	PluginVersion string         `json:"plugin_version"`
	AnalysisDate  time.Time      `json:"analysis_date"`
	Status        AnalysisStatus `json:"status"`
	Result        AnalysisResult `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Cause         FailureCause   `json:"cause,omitempty"`
}

// IsDoneAt reports whether the entry holds a successful result for version.
func (e AnalysisEntry) IsDoneAt(version string) bool {
	return e.Status == AnalysisStatusDone && e.PluginVersion == version
}

/*
	A file observed during unpacking. The UID is content derived so the same
	bytes found under two roots (or twice under one root) map to the same
	object; every location is kept in VirtualFilePath, scoped per root.
*/
type FileObject struct {
	UID               string                   `json:"uid"`
	FileName          string                   `json:"file_name"`
	Size              int64                    `json:"size"`
	MimeType          string                   `json:"mime_type"`
	ProcessedAnalysis map[string]AnalysisEntry `json:"processed_analysis"`
	VirtualFilePath   map[string][]string      `json:"virtual_file_path"`
	FilesIncluded     []string                 `json:"files_included"`

	// Firmware is set only when the object is a root firmware.
	Firmware *FirmwareInfo `json:"firmware,omitempty"`

	// Binary is stored apart from the document and only loaded on demand.
	Binary []byte `json:"-"`
}

// Device metadata carried by root objects.
type FirmwareInfo struct {
	Vendor      string    `json:"vendor"`
	DeviceName  string    `json:"device_name"`
	Version     string    `json:"version"`
	DeviceClass string    `json:"device_class"`
	ReleaseDate string    `json:"release_date,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FirmwareObject is a FileObject that anchors its own virtual path namespace.
type FirmwareObject struct {
	FileObject
}

// NewFileObject builds an object from raw content, deriving its UID.
func NewFileObject(fileName string, binary []byte) *FileObject {
	return &FileObject{
		UID:               CreateUID(binary),
		FileName:          fileName,
		Size:              int64(len(binary)),
		ProcessedAnalysis: make(map[string]AnalysisEntry),
		VirtualFilePath:   make(map[string][]string),
		Binary:            binary,
	}
}

// NewFirmwareObject builds a root object. The firmware is its own root, so it
// gets an entry under its own UID pointing at its file name.
func NewFirmwareObject(fileName string, binary []byte, info FirmwareInfo) *FirmwareObject {
	fo := NewFileObject(fileName, binary)
	if info.SubmittedAt.IsZero() {
		info.SubmittedAt = time.Now().UTC()
	}
	fo.Firmware = &info
	fo.VirtualFilePath[fo.UID] = []string{FormatVirtualPath([]string{fo.UID}, fileName)}
	return &FirmwareObject{FileObject: *fo}
}

// CreateUID returns "<sha256>_<size>".
func CreateUID(binary []byte) string {
	sum := sha256.Sum256(binary)
	return fmt.Sprintf("%s_%d", hex.EncodeToString(sum[:]), len(binary))
}

func (fo *FileObject) IsFirmware() bool {
	return fo.Firmware != nil
}

// HID is the human readable identifier of a firmware.
func (fi *FirmwareInfo) HID() string {
	return fmt.Sprintf("%s %s - %s (%s)", fi.Vendor, fi.DeviceName, fi.Version, fi.DeviceClass)
}

// AddVirtualPath records path under rootUID unless already present. Returns
// true if the path was new.
func (fo *FileObject) AddVirtualPath(rootUID, path string) bool {
	if fo.VirtualFilePath == nil {
		fo.VirtualFilePath = make(map[string][]string)
	}
	if slices.Contains(fo.VirtualFilePath[rootUID], path) {
		return false
	}
	fo.VirtualFilePath[rootUID] = append(fo.VirtualFilePath[rootUID], path)
	return true
}

// AddIncludedFile records a directly contained object. Returns true if new.
func (fo *FileObject) AddIncludedFile(uid string) bool {
	if slices.Contains(fo.FilesIncluded, uid) {
		return false
	}
	fo.FilesIncluded = append(fo.FilesIncluded, uid)
	slices.Sort(fo.FilesIncluded)
	return true
}

// Merge folds the locations and children of other into fo. Analysis entries
// already present on fo win.
func (fo *FileObject) Merge(other *FileObject) {
	for _, root := range slices.Sorted(maps.Keys(other.VirtualFilePath)) {
		for _, p := range other.VirtualFilePath[root] {
			fo.AddVirtualPath(root, p)
		}
	}
	for _, uid := range other.FilesIncluded {
		fo.AddIncludedFile(uid)
	}
	if fo.ProcessedAnalysis == nil {
		fo.ProcessedAnalysis = make(map[string]AnalysisEntry)
	}
	for name, entry := range other.ProcessedAnalysis {
		if _, ok := fo.ProcessedAnalysis[name]; !ok {
			fo.ProcessedAnalysis[name] = entry
		}
	}
	if fo.MimeType == "" {
		fo.MimeType = other.MimeType
	}
	if fo.Firmware == nil && other.Firmware != nil {
		fo.Firmware = other.Firmware
	}
}

// Roots lists the root UIDs the object is recorded under, sorted.
func (fo *FileObject) Roots() []string {
	return slices.Sorted(maps.Keys(fo.VirtualFilePath))
}
