package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/pkg/magic"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/InsulaLabs/fact/scheduler"
)

// ManifestError describes an upload manifest that cannot be stored.
type ManifestError struct {
	Index  int // -1 for the firmware itself
	Reason string
}

func (e *ManifestError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid firmware: %s", e.Reason)
	}
	return fmt.Sprintf("invalid file %d: %s", e.Index, e.Reason)
}

func validateManifest(m *models.UploadManifest) error {
	if m.FileName == "" {
		return &ManifestError{Index: -1, Reason: "file_name is required"}
	}
	if len(m.Binary) == 0 {
		return &ManifestError{Index: -1, Reason: "binary is empty"}
	}
	for i, f := range m.Files {
		if f.Path == "" {
			return &ManifestError{Index: i, Reason: "path is required"}
		}
		// Parents come first so every container is stored before what it holds.
		if f.Parent < -1 || f.Parent >= i {
			return &ManifestError{Index: i, Reason: fmt.Sprintf("parent %d must name an earlier file or -1", f.Parent)}
		}
	}
	return nil
}

/*
	ingest stores the firmware and every unpacked file of m. Files with the
	same content collapse into one object that collects every location it
	was found at, so a later file nested in a duplicate inherits all of
	them.
*/
func (s *Service) ingest(m *models.UploadManifest) (*models.FirmwareObject, error) {
	fw := models.NewFirmwareObject(m.FileName, m.Binary, models.FirmwareInfo{
		Vendor:      m.Vendor,
		DeviceName:  m.DeviceName,
		Version:     m.Version,
		DeviceClass: m.DeviceClass,
		ReleaseDate: m.ReleaseDate,
		Tags:        m.Tags,
	})
	fw.MimeType = magic.Identify(m.Binary).Mime
	if err := s.cfg.Store.AddObject(&fw.FileObject); err != nil {
		return nil, err
	}

	byUID := map[string]*models.FileObject{fw.UID: &fw.FileObject}
	objects := make([]*models.FileObject, len(m.Files))
	for i, f := range m.Files {
		parent := &fw.FileObject
		if f.Parent >= 0 {
			parent = objects[f.Parent]
		}

		name := f.FileName
		if name == "" {
			name = path.Base(f.Path)
		}
		child := models.NewFileObject(name, f.Binary)
		if existing, ok := byUID[child.UID]; ok {
			child = existing
		} else {
			child.MimeType = magic.Identify(f.Binary).Mime
			byUID[child.UID] = child
		}
		for _, vp := range models.ChildVirtualPath(parent, fw.UID, f.Path) {
			child.AddVirtualPath(fw.UID, vp)
		}
		if err := s.cfg.Store.AddChild(parent.UID, child); err != nil {
			return nil, err
		}
		parent.AddIncludedFile(child.UID)
		objects[i] = child
	}
	return fw, nil
}

func (s *Service) uploadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)

	var m models.UploadManifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds the maximum size")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if err := validateManifest(&m); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fw, err := s.ingest(&m)
	if err != nil {
		s.logger.Error("could not store upload", "file_name", m.FileName, "error", err)
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}

	run, err := s.cfg.Scheduler.Schedule(s.cfg.AppCtx, fw.UID, scheduler.Selection{
		Preset:  m.PluginSet,
		Plugins: m.Plugins,
		Force:   m.Force,
	})
	if err != nil {
		s.logger.Warn("could not schedule upload", "uid", fw.UID, "error", err)
		s.writeError(w, r, scheduleStatus(err), err.Error())
		return
	}

	s.logger.Info("firmware accepted", "uid", fw.UID, "hid", fw.Firmware.HID(), "files", len(m.Files), "run_id", run.ID)
	s.writeJSON(w, http.StatusCreated, models.UploadResponse{
		UID:   fw.UID,
		RunID: run.ID,
		Tasks: len(run.Summary().Tasks),
	})
}

func scheduleStatus(err error) int {
	var unknownPreset *scheduler.UnknownPresetError
	var resolution *scheduler.ResolutionError
	var notFound *plugins.NotFoundError
	if errors.As(err, &unknownPreset) || errors.As(err, &resolution) || errors.As(err, &notFound) {
		return http.StatusBadRequest
	}
	return statusFor(err)
}
