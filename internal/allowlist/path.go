package allowlist

import (
	"path/filepath"
	"strings"
)

// PathAllowed reports whether path lies inside workingDir or one of dirs.
// Relative paths resolve against workingDir. Symlinks are evaluated on both
// sides; a path that does not exist yet is resolved through its parent.
func PathAllowed(path, workingDir string, dirs []string) bool {
	path = strings.TrimSpace(path)
	if path == "" {
		return false
	}
	if !filepath.IsAbs(path) {
		if workingDir == "" {
			return false
		}
		path = filepath.Join(workingDir, path)
	}
	resolved, ok := resolvePath(path)
	if !ok {
		return false
	}
	roots := make([]string, 0, len(dirs)+1)
	if workingDir != "" {
		roots = append(roots, workingDir)
	}
	roots = append(roots, dirs...)
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		rootAbs := filepath.Clean(root)
		if eval, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = eval
		}
		if contains(rootAbs, resolved) {
			return true
		}
	}
	return false
}

// ParentDir is the directory an "allow this directory" decision records for path.
func ParentDir(path, workingDir string) string {
	if !filepath.IsAbs(path) && workingDir != "" {
		path = filepath.Join(workingDir, path)
	}
	return filepath.Dir(filepath.Clean(path))
}

func resolvePath(path string) (string, bool) {
	path = filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// New files: resolve the nearest existing ancestor and re-append the rest.
		dir, rest := filepath.Dir(path), filepath.Base(path)
		for {
			if eval, evalErr := filepath.EvalSymlinks(dir); evalErr == nil {
				resolved = filepath.Join(eval, rest)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				resolved = path
				break
			}
			rest = filepath.Join(filepath.Base(dir), rest)
			dir = parent
		}
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", false
	}
	return abs, true
}

func contains(root, path string) bool {
	if root == string(filepath.Separator) {
		return true
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
