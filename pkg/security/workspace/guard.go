// Package workspace provides security mechanisms for bounding file system
// operations to a project root. It prevents path traversal attacks, defeats
// percent-encoding tricks, and rejects file names that are unsafe on the
// target filesystem. The writer and reader both validate every path through
// a Guard before touching the filesystem; there is no bypass path.
package workspace

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// maxDecodePasses bounds how many times a path is percent-decoded before
// validation gives up. Two passes defeat double encoding; anything still
// decoding after this many passes is hostile input.
const maxDecodePasses = 4

// Guard enforces root-directory restrictions on file paths. All file
// operations must resolve to the root directory or a descendant of it.
type Guard struct {
	rootDir string // Absolute, symlink-resolved path to the project root
}

// NewGuard creates a guard for the given root directory. The directory is
// converted to an absolute path, cleaned, and has its symlinks resolved so
// later containment checks compare canonical forms.
func NewGuard(rootDir string) (*Guard, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("workspace: root directory cannot be empty")
	}

	absPath, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to resolve root directory: %w", err)
	}

	evalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to evaluate root directory symlinks: %w", err)
	}

	return &Guard{rootDir: evalPath}, nil
}

// Validate canonicalizes path against the root and returns the absolute
// path to operate on. It returns an error if:
//   - the path is empty or contains a NUL or control character
//   - the path still percent-decodes after the decode-pass budget
//   - any component is a reserved device name or carries illegal characters
//   - the canonical result escapes the root directory
func (g *Guard) Validate(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: path cannot be empty")
	}

	decoded, err := decodeFully(path)
	if err != nil {
		return "", err
	}
	for _, r := range decoded {
		if r < 0x20 {
			return "", fmt.Errorf("workspace: path %q contains a control character", path)
		}
	}

	cleanPath := filepath.Clean(decoded)

	var absPath string
	if filepath.IsAbs(cleanPath) {
		absPath = cleanPath
	} else {
		absPath = filepath.Join(g.rootDir, cleanPath)
	}
	absPath = filepath.Clean(absPath)

	// Component checks run on the path relative to the root so a legal
	// absolute prefix is not itself rejected.
	rel, err := filepath.Rel(g.rootDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path %q is outside the project root", path)
	}
	for _, component := range strings.Split(rel, string(filepath.Separator)) {
		if component == "." || component == "" {
			continue
		}
		if err := checkComponent(component); err != nil {
			return "", fmt.Errorf("workspace: path %q: %w", path, err)
		}
	}

	// Symlinks inside the tree could still point out of the root.
	evalPath := resolveSymlinks(absPath)
	if !g.contains(evalPath) {
		return "", fmt.Errorf("workspace: path %q resolves outside the project root", path)
	}

	return evalPath, nil
}

// RootDir returns the absolute path of the guarded root directory.
func (g *Guard) RootDir() string {
	return g.rootDir
}

// MakeRelative converts a validated absolute path to a path relative to the
// root. Returns an error if the path is not within the root.
func (g *Guard) MakeRelative(absPath string) (string, error) {
	if !g.contains(resolveSymlinks(absPath)) {
		return "", fmt.Errorf("workspace: path %q is not within the project root", absPath)
	}
	relPath, err := filepath.Rel(g.rootDir, absPath)
	if err != nil {
		return "", fmt.Errorf("workspace: failed to make path relative: %w", err)
	}
	return relPath, nil
}

// contains reports whether an absolute, symlink-resolved path is the root
// itself or a descendant of it.
func (g *Guard) contains(evalPath string) bool {
	sep := string(filepath.Separator)
	return evalPath == g.rootDir || strings.HasPrefix(evalPath+sep, g.rootDir+sep)
}

// decodeFully percent-decodes path repeatedly until it stops changing.
// Repeated decoding defeats double-encoded traversal such as %252e%252e.
// Input that is not valid percent-encoding is returned as-is: a literal
// `%` in a file name is not an error.
func decodeFully(path string) (string, error) {
	current := path
	for i := 0; i < maxDecodePasses; i++ {
		decoded, err := url.PathUnescape(current)
		if err != nil || decoded == current {
			return current, nil
		}
		current = decoded
	}
	if decoded, err := url.PathUnescape(current); err == nil && decoded != current {
		return "", fmt.Errorf("workspace: path %q exceeds the percent-decode budget", path)
	}
	return current, nil
}

// reservedNames are device names that Windows resolves regardless of
// directory or extension. Creating them corrupts cross-platform use of a
// log directory, so they are rejected on every platform.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

func checkComponent(component string) error {
	base := component
	if idx := strings.IndexByte(base, '.'); idx > 0 {
		base = base[:idx]
	}
	if _, ok := reservedNames[strings.ToUpper(base)]; ok {
		return fmt.Errorf("component %q is a reserved device name", component)
	}
	if strings.ContainsAny(component, `<>:"|?*`) {
		return fmt.Errorf("component %q contains an illegal character", component)
	}
	return nil
}

// resolveSymlinks resolves symlinks in a path, handling non-existent paths
// by resolving the nearest existing ancestor and re-appending the remaining
// components. A path about to be created still gets its parent directories
// canonicalized this way.
func resolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	var components []string
	currentPath := path
	for {
		if resolved, err := filepath.EvalSymlinks(currentPath); err == nil {
			result := resolved
			for i := len(components) - 1; i >= 0; i-- {
				result = filepath.Join(result, components[i])
			}
			return result
		}

		dir := filepath.Dir(currentPath)
		if dir == currentPath || dir == "." || dir == "/" {
			return path
		}
		components = append(components, filepath.Base(currentPath))
		currentPath = dir
	}
}
