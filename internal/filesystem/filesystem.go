package filesystem

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const (
	// DefaultArchiveName is used when the server does not name the archive.
	DefaultArchiveName = "dropbox.zip"

	archiveExt = ".zip"
	partExt    = ".part"
)

var (
	// ErrSizeMismatch is returned when a finished transfer does not match the advertised size.
	ErrSizeMismatch = goerr.New("downloaded size does not match content length")
	// ErrUnsafePath is returned for archive entries that would land outside the target directory.
	ErrUnsafePath = goerr.New("archive entry escapes target directory")
)

// FileSystem handles file writing and path management for downloaded archives.
//
// All archives land directly in the destination directory. Each archive is
// first written to a ".part" sibling and only renamed into place once the
// transfer is complete, so a failed or interrupted download never leaves a
// truncated archive behind.
type FileSystem struct {
	dest    string
	claimed map[string]struct{}
}

// New creates a new FileSystem handler rooted at dest.
func New(dest string) *FileSystem {
	return &FileSystem{dest: dest, claimed: make(map[string]struct{})}
}

// Dest returns the absolute destination directory.
func (fs *FileSystem) Dest() (string, error) {
	abs, err := filepath.Abs(fs.dest)
	if err != nil {
		return "", goerr.Wrap(err, "failed to resolve destination", goerr.V("dest", fs.dest))
	}
	return abs, nil
}

// ArchivePath returns the absolute path where an archive called name is stored.
//
// Only the base name is used, so a hostile Content-Disposition cannot
// write outside the destination. Names without a ".zip" suffix get one.
func (fs *FileSystem) ArchivePath(name string) (string, error) {
	dest, err := fs.Dest()
	if err != nil {
		return "", err
	}
	return filepath.Join(dest, SanitizeName(name)), nil
}

// Claim reserves an archive path for the lifetime of fs. When path was
// already claimed, the first free numbered variant is reserved and returned
// instead, e.g. "Photos (1).zip" after "Photos.zip". Names are compared
// case-insensitively. Files left by earlier runs are not considered.
func (fs *FileSystem) Claim(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	candidate := path
	for i := 1; ; i++ {
		key := strings.ToLower(candidate)
		if _, ok := fs.claimed[key]; !ok {
			fs.claimed[key] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

// SanitizeName reduces name to a safe archive file name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(name)))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return DefaultArchiveName
	}
	if !strings.EqualFold(filepath.Ext(name), archiveExt) {
		name += archiveExt
	}
	return name
}

// PartFile is an archive being written. Call Commit or Abort exactly once.
type PartFile struct {
	*os.File
	final string
}

// Create opens the temporary file for the archive at path, creating the
// destination directory as needed.
func (fs *FileSystem) Create(path string) (*PartFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, goerr.Wrap(err, "failed to create directory", goerr.V("dir", dir))
	}

	tmpPath := path + partExt
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create file", goerr.V("path", tmpPath))
	}

	return &PartFile{File: f, final: path}, nil
}

// Path returns the final archive path.
func (p *PartFile) Path() string {
	return p.final
}

// Commit closes the file, checks its size against expected (skipped when
// expected is negative) and renames it to the final path.
func (p *PartFile) Commit(expected int64) error {
	tmpPath := p.Name()
	if err := p.Close(); err != nil {
		os.Remove(tmpPath)
		return goerr.Wrap(err, "failed to close file", goerr.V("path", tmpPath))
	}

	if expected >= 0 {
		info, err := os.Stat(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return goerr.Wrap(err, "failed to stat file", goerr.V("path", tmpPath))
		}
		if info.Size() != expected {
			os.Remove(tmpPath)
			return goerr.Wrap(ErrSizeMismatch, "incomplete download",
				goerr.V("path", tmpPath), goerr.V("expected", expected), goerr.V("actual", info.Size()))
		}
	}

	// Rename to final path (atomic on most systems)
	if err := os.Rename(tmpPath, p.final); err != nil {
		os.Remove(tmpPath) // Clean up temp file
		return goerr.Wrap(err, "failed to rename file", goerr.V("from", tmpPath), goerr.V("to", p.final))
	}

	return nil
}

// Abort closes and removes the temporary file.
func (p *PartFile) Abort() error {
	tmpPath := p.Name()
	_ = p.Close()
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return goerr.Wrap(err, "failed to remove incomplete file", goerr.V("path", tmpPath))
	}
	return nil
}

// ExtractDir returns the directory an archive is unpacked into: a sibling
// of the archive named after it without the ".zip" suffix.
func ExtractDir(archivePath string) string {
	base := filepath.Base(archivePath)
	if strings.EqualFold(filepath.Ext(base), archiveExt) {
		base = base[:len(base)-len(archiveExt)]
	}
	return filepath.Join(filepath.Dir(archivePath), base)
}

// Extraction summarizes an unpacked archive.
type Extraction struct {
	Dir   string
	Files []string
	Size  int64
}

// Extract unpacks the zip archive at archivePath into dir.
func Extract(archivePath, dir string) (*Extraction, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open archive", goerr.V("path", archivePath))
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, goerr.Wrap(err, "failed to create directory", goerr.V("dir", dir))
	}

	result := &Extraction{Dir: dir}
	for _, file := range zr.File {
		if err := extractFile(file, dir); err != nil {
			return nil, goerr.Wrap(err, "failed to extract file", goerr.V("file", file.Name))
		}
		if file.FileInfo().IsDir() {
			continue
		}
		result.Files = append(result.Files, file.Name)
		result.Size += int64(file.UncompressedSize64)
	}

	return result, nil
}

// extractFile extracts a single entry from the archive into destDir.
func extractFile(file *zip.File, destDir string) error {
	// Prevent path traversal attacks
	destPath := filepath.Join(destDir, filepath.FromSlash(file.Name))
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	if destPath != filepath.Clean(destDir) && !strings.HasPrefix(destPath, root) {
		return goerr.Wrap(ErrUnsafePath, "refusing to extract", goerr.V("entry", file.Name), goerr.V("dest", destPath))
	}

	if file.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0755); err != nil {
			return goerr.Wrap(err, "failed to create directory", goerr.V("dir", destPath))
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return goerr.Wrap(err, "failed to create parent directories", goerr.V("dir", filepath.Dir(destPath)))
	}

	rc, err := file.Open()
	if err != nil {
		return goerr.Wrap(err, "failed to open entry")
	}
	defer rc.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return goerr.Wrap(err, "failed to create file", goerr.V("path", destPath))
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return goerr.Wrap(err, "failed to write file", goerr.V("path", destPath))
	}
	if err := out.Close(); err != nil {
		return goerr.Wrap(err, "failed to close file", goerr.V("path", destPath))
	}

	return nil
}

// Remove deletes a downloaded archive.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return goerr.Wrap(err, "failed to remove archive", goerr.V("path", path))
	}
	return nil
}

// Exists reports whether a file exists at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
