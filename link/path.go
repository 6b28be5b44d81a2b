package link

import (
	"fmt"
	"path"
	"strings"
)

const (
	// GcodeDir is the only directory files may be uploaded to or removed from.
	GcodeDir = "/sd/gcodes/"
	// FirmwarePath is the sentinel that names the firmware image.
	FirmwarePath = "@firmware"
	// FirmwareFile is the device path the firmware sentinel maps to.
	FirmwareFile = "/sd/firmware.bin"
	// reservedDir hangs the controller when listed.
	reservedDir = "/ud"
)

// DownloadExtensions lists the file extensions Download accepts.
var DownloadExtensions = []string{".nc", ".gcode", ".gc", ".g", ".ngc", ".tap", ".cnc", ".txt", ".lz"}

// ListPath validates a directory listing path.
func ListPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") || strings.Contains(p, reservedDir) {
		return "", fmt.Errorf("%w: cannot list %q", ErrInvalidPath, p)
	}

	return p, nil
}

// RemovePath validates the path of a file to remove.
func RemovePath(p string) (string, error) {
	if !strings.HasPrefix(p, GcodeDir) {
		return "", fmt.Errorf("%w: %q is outside %s", ErrInvalidPath, p, GcodeDir)
	}

	return p, nil
}

// UploadPath validates an upload destination and returns the path sent to the
// device. Spaces become underscores and the firmware sentinel maps to FirmwareFile.
func UploadPath(p string) (string, error) {
	if p == FirmwarePath {
		return FirmwareFile, nil
	}
	if !strings.HasPrefix(p, GcodeDir) || len(p) == len(GcodeDir) {
		return "", fmt.Errorf("%w: %q is outside %s", ErrInvalidPath, p, GcodeDir)
	}

	return strings.ReplaceAll(p, " ", "_"), nil
}

// DownloadPath validates a download source. Only files with an extension in
// DownloadExtensions can be downloaded, unless p is the firmware sentinel.
func DownloadPath(p string) (string, error) {
	if p == FirmwarePath {
		return FirmwareFile, nil
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}

	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrDisallowedExtension, p)
	}
	for _, allowed := range DownloadExtensions {
		if ext == allowed {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrDisallowedExtension, ext)
}

// ChecksumPath validates the path of a file to checksum.
func ChecksumPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}

	return p, nil
}
