// Package local serves files from a directory on the local filesystem.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal indicates a request path resolved outside the root.
	ErrPathTraversal = errors.New("path traversal detected")
	// ErrNotFile indicates the path exists but is not a regular file.
	ErrNotFile = errors.New("not a regular file")
)

// Config captures the parameters for the local filesystem root.
type Config struct {
	// BaseDir is the directory files are served from.
	BaseDir string
}

// Root resolves request paths against BaseDir. The directory does not need
// to exist; lookups simply report os.ErrNotExist until it does.
type Root struct {
	baseDir string
}

// New creates a Root for cfg.BaseDir.
func New(cfg Config) (*Root, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Root{baseDir: abs}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.baseDir
}

// Resolve maps a slash-separated request path to a filesystem path inside
// the root.
func (r *Root) Resolve(requestPath string) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(requestPath, "/"))
	fullPath := filepath.Join(r.baseDir, rel)

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(r.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if cleanFullPath != cleanBaseDir && !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleanFullPath, nil
}

// Open opens the regular file at requestPath.
func (r *Root) Open(requestPath string) (*os.File, os.FileInfo, error) {
	fullPath, err := r.Resolve(requestPath)
	if err != nil {
		return nil, nil, err
	}
	// #nosec G304 -- fullPath is confined to baseDir by Resolve.
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", requestPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", requestPath, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("open %s: %w", requestPath, ErrNotFile)
	}
	return f, info, nil
}
