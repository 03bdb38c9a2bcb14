package dispatch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tako0614/coding-agent-sub001/internal/sandbox"
)

// binaryExtensions get a size-only placeholder instead of content.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".ico": true, ".pdf": true, ".zip": true, ".tar": true, ".gz": true,
	".bz2": true, ".xz": true, ".7z": true, ".exe": true, ".dll": true,
	".so": true, ".dylib": true, ".a": true, ".o": true, ".wasm": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".sqlite": true,
	".db": true, ".class": true, ".jar": true,
}

// skipGlobs prunes noise directories during listing.
var skipGlobs = []string{
	"**/node_modules", "**/node_modules/**",
	"**/dist", "**/dist/**",
	"**/target/debug/**", "**/target/release/**",
	"**/__pycache__", "**/__pycache__/**",
}

func (d *Dispatcher) readFile(path string) Result {
	resolved, err := sandbox.Resolve(d.repoRoot, path, sandbox.ModeRead)
	if err != nil {
		return fail(err.Error())
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return fail(fmt.Sprintf("read %s: %v", path, err))
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fail(fmt.Sprintf("read %s: refusing to read through a symlink", path))
	}
	if info.IsDir() {
		return fail(fmt.Sprintf("read %s: is a directory", path))
	}
	if binaryExtensions[strings.ToLower(filepath.Ext(resolved))] {
		return ok(map[string]any{
			"path":   path,
			"binary": true,
			"size":   info.Size(),
		})
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fail(fmt.Sprintf("read %s: %v", path, err))
	}
	truncated := false
	if len(data) > d.limits.ReadFileMaxBytes {
		data = data[:d.limits.ReadFileMaxBytes]
		truncated = true
	}
	content := string(data)
	if truncated {
		content += fmt.Sprintf("\n[truncated: file is %d bytes, showing first %d]", info.Size(), d.limits.ReadFileMaxBytes)
	}
	return ok(map[string]any{
		"path":      path,
		"content":   content,
		"truncated": truncated,
	})
}

func (d *Dispatcher) editFile(path, oldString, newString string, replaceAll bool) Result {
	resolved, err := sandbox.Resolve(d.repoRoot, path, sandbox.ModeCreate)
	if err != nil {
		return fail(err.Error())
	}
	if info, err := os.Lstat(resolved); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fail(fmt.Sprintf("edit %s: target is a symlink", path))
	}

	// Empty old_string means create.
	if oldString == "" {
		if len(newString) > d.limits.EditFileMaxBytes {
			return fail(fmt.Sprintf("edit %s: content exceeds %d bytes", path, d.limits.EditFileMaxBytes))
		}
		if _, err := os.Lstat(resolved); err == nil {
			return fail(fmt.Sprintf("edit %s: file exists; pass old_string to modify it", path))
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return fail(fmt.Sprintf("edit %s: %v", path, err))
		}
		if err := os.WriteFile(resolved, []byte(newString), 0o644); err != nil {
			return fail(fmt.Sprintf("edit %s: %v", path, err))
		}
		d.emit("info", "supervisor", "created "+path)
		return ok(map[string]any{"path": path, "created": true})
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fail(fmt.Sprintf("edit %s: %v", path, err))
	}
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return fail(fmt.Sprintf("edit %s: old_string not found", path))
	}
	var updated string
	var replaced int
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
		replaced = count
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
		replaced = 1
	}
	if len(updated) > d.limits.EditFileMaxBytes {
		return fail(fmt.Sprintf("edit %s: result exceeds %d bytes", path, d.limits.EditFileMaxBytes))
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return fail(fmt.Sprintf("edit %s: %v", path, err))
	}
	d.emit("info", "supervisor", fmt.Sprintf("edited %s (%d occurrence(s))", path, replaced))
	return ok(map[string]any{"path": path, "replaced": replaced, "occurrences": count})
}

type listedEntry struct {
	Path    string `json:"path"`
	Dir     bool   `json:"dir"`
	Symlink bool   `json:"symlink,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

func (d *Dispatcher) listFiles(path string, recursive bool) Result {
	resolved, err := sandbox.Resolve(d.repoRoot, path, sandbox.ModeRead)
	if err != nil {
		return fail(err.Error())
	}

	var entries []listedEntry
	capped := false
	maxDepth := 1
	if recursive {
		maxDepth = d.limits.ListMaxDepth
	}

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if capped || depth > maxDepth {
			return nil
		}
		items, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
		for _, it := range items {
			if strings.HasPrefix(it.Name(), ".") {
				continue
			}
			full := filepath.Join(dir, it.Name())
			rel, err := filepath.Rel(resolved, full)
			if err != nil {
				rel = it.Name()
			}
			rel = filepath.ToSlash(rel)
			if skipListed(rel) {
				continue
			}
			if len(entries) >= d.limits.ListMaxEntries {
				capped = true
				return nil
			}
			e := listedEntry{Path: rel, Dir: it.IsDir()}
			if it.Type()&fs.ModeSymlink != 0 {
				// Symlinks are listed but never followed.
				e.Symlink = true
				e.Dir = false
			} else if !it.IsDir() {
				if info, err := it.Info(); err == nil {
					e.Size = info.Size()
				}
			}
			entries = append(entries, e)
			if e.Dir && recursive {
				if err := walk(full, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(resolved, 1); err != nil {
		return fail(fmt.Sprintf("list %s: %v", path, err))
	}
	return ok(map[string]any{
		"path":    path,
		"entries": entries,
		"capped":  capped,
	})
}

func skipListed(rel string) bool {
	for _, g := range skipGlobs {
		if matched, _ := doublestar.Match(g, rel); matched {
			return true
		}
	}
	return false
}

// validGlobs rejects malformed path patterns before they reach a worker's
// constraints.
func validGlobs(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid path pattern: %s", p)
		}
	}
	return nil
}
