package filetree

import (
	"errors"

	"github.com/InsulaLabs/fact/db/store"
	"github.com/InsulaLabs/fact/models"
)

// GetHID returns a human readable identifier: the firmware HID for roots,
// otherwise the object's path under rootUID (or its first recorded path
// when rootUID is empty or unknown). Unknown objects yield "".
func (b *Builder) GetHID(uid, rootUID string) (string, error) {
	fo, err := b.src.GetObject(uid)
	if err != nil {
		var nf *store.ErrObjectNotFound
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", err
	}
	if fo.IsFirmware() {
		return fo.Firmware.HID(), nil
	}
	if paths := fo.VirtualFilePath[rootUID]; rootUID != "" && len(paths) > 0 {
		return models.ParseVirtualPath(paths[0]).Path, nil
	}
	return FirstRecordedFallback(fo, rootUID)[0], nil
}
