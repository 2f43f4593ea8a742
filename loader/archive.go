package loader

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

// ArchiveExt is the file extension required of plugin archives.
const ArchiveExt = ".zip"

// srcRoot is the directory inside an archive that holds Go source packages,
// laid out GOPATH-style: src/<import/path>/*.go.
const srcRoot = "src"

// resourceRoot is the directory inside an archive that holds resource files.
const resourceRoot = "resources"

// Archive is an open plugin archive: a zip file containing manifest.yaml,
// Go source packages under src/, and resource files under resources/.
type Archive struct {
	path     string
	zr       *zip.ReadCloser
	Manifest Manifest
}

// OpenArchive opens and validates the archive at the given path. The caller
// owns the returned Archive and must Close it (releasing a Scope built on it
// does so).
func OpenArchive(archivePath string) (*Archive, error) {
	if !strings.HasSuffix(archivePath, ArchiveExt) {
		return nil, fmt.Errorf("archive %s: not a %s file", archivePath, ArchiveExt)
	}
	if _, err := os.Stat(archivePath); err != nil {
		return nil, fmt.Errorf("archive %s: %w", archivePath, err)
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archivePath, err)
	}

	data, err := fs.ReadFile(zr, ManifestName)
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("archive %s: read %s: %w", archivePath, ManifestName, err)
	}
	m, err := parseManifest(data)
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("archive %s: %w", archivePath, err)
	}

	return &Archive{path: archivePath, zr: zr, Manifest: m}, nil
}

// Path returns the archive's filesystem location.
func (a *Archive) Path() string { return a.path }

// FS exposes the archive contents as a filesystem rooted at the zip root.
func (a *Archive) FS() fs.FS { return a.zr }

// Packages returns the import paths of all Go source packages the archive
// contains, sorted. A directory under src/ is a package if it directly holds
// at least one .go file.
func (a *Archive) Packages() []string {
	seen := make(map[string]bool)
	for _, f := range a.zr.File {
		name := path.Clean(f.Name)
		if !strings.HasPrefix(name, srcRoot+"/") || !strings.HasSuffix(name, ".go") {
			continue
		}
		dir := path.Dir(name)
		pkg := strings.TrimPrefix(dir, srcRoot+"/")
		if pkg != "" && pkg != "." {
			seen[pkg] = true
		}
	}
	pkgs := make([]string, 0, len(seen))
	for p := range seen {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)
	return pkgs
}

// hasPackage reports whether the archive ships source for the import path.
func (a *Archive) hasPackage(importPath string) bool {
	prefix := path.Join(srcRoot, importPath) + "/"
	for _, f := range a.zr.File {
		name := path.Clean(f.Name)
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".go") &&
			path.Dir(name) == path.Join(srcRoot, importPath) {
			return true
		}
	}
	return false
}

// sourceFiles returns the archive's .go files for one package, sorted by
// file name so that declaration scan order is deterministic.
func (a *Archive) sourceFiles(importPath string) []string {
	dir := path.Join(srcRoot, importPath)
	var files []string
	for _, f := range a.zr.File {
		name := path.Clean(f.Name)
		if path.Dir(name) == dir && strings.HasSuffix(name, ".go") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files
}

// resource returns the archive's resource entry for name, if present.
func (a *Archive) resource(name string) (Resource, bool) {
	entry := path.Join(resourceRoot, name)
	if _, err := fs.Stat(a.zr, entry); err != nil {
		return Resource{}, false
	}
	fsys := a.zr
	return Resource{
		Origin: a.path,
		Name:   name,
		open: func() (io.ReadCloser, error) {
			return fsys.Open(entry)
		},
	}, true
}

// Close releases the archive's zip handle. Safe to call more than once.
func (a *Archive) Close() error {
	if a.zr == nil {
		return nil
	}
	err := a.zr.Close()
	a.zr = nil
	return err
}
