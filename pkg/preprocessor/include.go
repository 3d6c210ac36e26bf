package preprocessor

import (
	"fmt"
	"os"
	"path/filepath"
)

// Includer resolves an #include name to header source. The returned path is
// the canonical name recorded in token positions and the audit manifest.
type Includer interface {
	Resolve(name string) (path string, src []byte, err error)
}

// DirIncluder searches an ordered list of include directories, mirroring
// the WDK's shared/km/kmdf include path layering.
type DirIncluder struct {
	Dirs []string
}

func (d *DirIncluder) Resolve(name string) (string, []byte, error) {
	// The entry configuration header arrives as an absolute path.
	if filepath.IsAbs(name) {
		src, err := os.ReadFile(name)
		if err != nil {
			return "", nil, err
		}
		return name, src, nil
	}
	for _, dir := range d.Dirs {
		p := filepath.Join(dir, filepath.FromSlash(name))
		src, err := os.ReadFile(p)
		if err == nil {
			return name, src, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("header %q not found in include path", name)
}

// MapIncluder serves headers from memory. Test fixtures use it so runs are
// hermetic.
type MapIncluder map[string]string

func (m MapIncluder) Resolve(name string) (string, []byte, error) {
	src, ok := m[name]
	if !ok {
		return "", nil, fmt.Errorf("header %q not found", name)
	}
	return name, []byte(src), nil
}
