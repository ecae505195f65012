package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"compiled/internal/backend"
	"compiled/internal/common/fsutil"
)

// PluginPrefix is the file name prefix of backend executables discovered by
// ScanDir. The rest of the name, upper-cased and without extension, is the
// device name: "compiled-backend-acc1" registers device "ACC1".
const PluginPrefix = "compiled-backend-"

// ScanDir scans a directory for backend executables and returns one
// dynamic-module descriptor per file, sorted by file name.
func ScanDir(dir string) ([]Descriptor, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var descs []Descriptor
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(strings.ToLower(name), PluginPrefix) {
			continue
		}
		p := filepath.Join(abs, name)
		if !fsutil.IsExecutable(p) {
			continue
		}
		dev := strings.ToUpper(strings.TrimSuffix(name[len(PluginPrefix):], filepath.Ext(name)))
		if dev == "" || strings.Contains(dev, SubDeviceSep) {
			continue
		}
		descs = append(descs, Descriptor{
			Name:     dev,
			Location: p,
			Factory:  backend.Dynamic(p),
			Options:  backend.Options{},
		})
	}
	return descs, nil
}
