// Package sd maps the virtual paths used by G-codes, such as "0:/sys/config.g",
// to files below the base directory of the daemon.
package sd

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Directories of the virtual SD card.
const (
	System = "sys"
	GCodes = "gcodes"
	Macros = "macros"
)

var drivePrefix = regexp.MustCompile(`^(\d+):?/?(.*)$`)

// ToPhysical returns the file a virtual path refers to. A path without a
// drive or a leading slash is looked up in dir.
func ToPhysical(base, name, dir string) string {
	if m := drivePrefix.FindStringSubmatch(name); m != nil {
		return filepath.Join(base, filepath.FromSlash(m[2]))
	}

	if dir != "" && !strings.HasPrefix(name, "/") {
		return filepath.Join(base, dir, filepath.FromSlash(name))
	}

	return filepath.Join(base, filepath.FromSlash(strings.TrimPrefix(name, "/")))
}

// ToVirtual returns the virtual path of a file below base.
func ToVirtual(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = strings.TrimPrefix(filepath.ToSlash(path), "/")
	}

	return "0:/" + filepath.ToSlash(rel)
}
