// Package workspace implements the path-confined filesystem tools exposed
// to sub-agents. Every operation resolves under a single workspace root,
// refuses symlinks anywhere in the path, and re-checks file identity
// (inode+device) between check and use. Failures come back as short
// strings; nothing here panics or raises across the tool boundary.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DefaultMaxReadSize caps read_file payloads at 1 MiB.
const DefaultMaxReadSize int64 = 1 << 20

// FS is the workspace-rooted toolset. Stateless between calls; safe for
// concurrent use.
type FS struct {
	root    string
	maxRead int64
}

// New creates the toolset over the given workspace directory, creating it
// if needed. The root is canonicalized once; construction is the only
// operation that may return a Go error.
func New(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing workspace root: %w", err)
	}
	return &FS{root: canon, maxRead: DefaultMaxReadSize}, nil
}

// Root returns the canonical workspace root.
func (f *FS) Root() string { return f.root }

// SetMaxReadSize overrides the read cap.
func (f *FS) SetMaxReadSize(n int64) {
	if n > 0 {
		f.maxRead = n
	}
}

// resolve validates a tool path and anchors it under the workspace root.
// The returned error string is "" on success. No file I/O beyond lstat is
// performed here.
func (f *FS) resolve(path string) (string, string) {
	if path == "" {
		return "", "Empty path"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.root, path)
	}
	p := filepath.Clean(path)

	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "denied: path outside workspace"
	}

	// Walk every existing component from the root down; a symlink anywhere
	// in the chain is a denial, not just at the leaf.
	cur := f.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				break // nonexistent tail is fine; the caller decides
			}
			return "", "denied: path resolution failed"
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", "denied: symlink in path"
		}
	}
	return p, ""
}

// fileIdentity extracts (inode, device) for TOCTOU comparisons.
func fileIdentity(fi os.FileInfo) (ino, dev uint64, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return st.Ino, uint64(st.Dev), true
}

// ReadFile returns the file content, or a short denial string. The size
// cap is enforced on the opened descriptor, and the descriptor's identity
// must match the pre-open lstat.
func (f *FS) ReadFile(path string) (content, errMsg string) {
	p, denied := f.resolve(path)
	if denied != "" {
		return "", denied
	}

	pre, err := os.Lstat(p)
	if err != nil {
		return "", "denied"
	}
	if pre.Mode()&os.ModeSymlink != 0 {
		return "", "possible symlink"
	}

	fd, err := os.OpenFile(p, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_NOCTTY, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return "", "possible symlink"
		}
		return "", "denied"
	}
	defer fd.Close()

	post, err := fd.Stat()
	if err != nil {
		return "", "denied"
	}
	preIno, preDev, ok1 := fileIdentity(pre)
	postIno, postDev, ok2 := fileIdentity(post)
	if !ok1 || !ok2 || preIno != postIno || preDev != postDev {
		return "", "TOCTOU detected"
	}
	if post.Size() > f.maxRead {
		return "", "too large"
	}

	// Bounded chunked read up to the cap; the file may grow underneath us.
	var buf []byte
	chunk := make([]byte, 64*1024)
	r := io.LimitReader(fd, f.maxRead)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "denied"
		}
	}
	return string(buf), ""
}

// WriteFile atomically replaces the destination via a same-directory temp
// file and rename. The destination's identity is captured before the write
// and re-checked before the rename; any mismatch aborts and removes the
// temp file.
func (f *FS) WriteFile(path, content string) (result, errMsg string) {
	p, denied := f.resolve(path)
	if denied != "" {
		return "", denied
	}

	var pre os.FileInfo
	if fi, err := os.Lstat(p); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", "symlink detected"
		}
		if !fi.Mode().IsRegular() {
			return "", "denied: not a regular file"
		}
		pre = fi
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "denied: cannot create parent directory"
	}

	tmp, err := os.CreateTemp(dir, ".tmp-write-*")
	if err != nil {
		return "", "denied: cannot create temp file"
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "denied: write failed"
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "denied: write failed"
	}

	// Identity re-check between the pre-write stat and the replace.
	if post, err := os.Lstat(p); err == nil {
		if post.Mode()&os.ModeSymlink != 0 {
			os.Remove(tmpName)
			return "", "symlink detected"
		}
		if pre == nil {
			os.Remove(tmpName)
			return "", "TOCTOU detected"
		}
		preIno, preDev, ok1 := fileIdentity(pre)
		postIno, postDev, ok2 := fileIdentity(post)
		if !ok1 || !ok2 || preIno != postIno || preDev != postDev {
			os.Remove(tmpName)
			return "", "TOCTOU detected"
		}
	} else if pre != nil {
		// Existed at pre-check, gone now.
		os.Remove(tmpName)
		return "", "TOCTOU detected"
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return "", "denied: rename failed"
	}
	return fmt.Sprintf("File %s written successfully.", path), ""
}
