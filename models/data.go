package models

/*
	Payloads for the REST surface. The upload manifest describes a firmware
	and the files that were already extracted from it; the service turns the
	manifest into stored objects and kicks off a scheduling run.
*/

type UploadFile struct {
	FileName string `json:"file_name"`
	Binary   []byte `json:"binary"` // base64 in JSON
	// Path inside the parent container, "/" separated.
	Path string `json:"path"`
	// Index into UploadManifest.Files of the containing file, -1 for the
	// firmware itself.
	Parent int `json:"parent"`
}

type UploadManifest struct {
	FileName    string       `json:"file_name"`
	Binary      []byte       `json:"binary"`
	Vendor      string       `json:"vendor"`
	DeviceName  string       `json:"device_name"`
	Version     string       `json:"version"`
	DeviceClass string       `json:"device_class"`
	ReleaseDate string       `json:"release_date,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Files       []UploadFile `json:"files"`
	// Plugin set to run, "" means the configured default.
	PluginSet string   `json:"plugin_set,omitempty"`
	Plugins   []string `json:"plugins,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

type UploadResponse struct {
	UID   string `json:"uid"`
	RunID string `json:"run_id"`
	Tasks int    `json:"tasks"`
}

type PluginInfo struct {
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type ComponentStatus struct {
	Healthy bool           `json:"healthy"`
	Status  string         `json:"status"`
	Counts  map[string]int `json:"counts,omitempty"`
}

type StatusResponse struct {
	SystemStatus map[string]ComponentStatus `json:"system_status"`
	Plugins      map[string]PluginInfo      `json:"plugins"`
}

type ErrorResponse struct {
	Error   string `json:"error_message"`
	Request string `json:"request_resource"`
}

type ParentsResponse struct {
	UID     string   `json:"uid"`
	Parents []string `json:"parents"`
	Roots   []string `json:"roots"`
}

type ObjectResponse struct {
	Object *FileObject `json:"file_object"`
	HID    string      `json:"hid"`
}

type MissingAnalysesResponse struct {
	Missing  map[string][]string `json:"missing_analyses"`
	Failed   map[string][]string `json:"failed_analyses"`
	Orphaned map[string][]string `json:"orphaned_objects"`
}
