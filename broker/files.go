// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// MaxReadSize caps one file or connection read. Callers loop for more.
const MaxReadSize = 1 << 20

type fileHandle struct {
	owner  string
	path   string
	binary bool

	mu   sync.Mutex
	file *os.File
}

// Stat is the metadata returned by file_stat and file_fstat. Times are
// seconds since the epoch; the *_ns fields carry full precision.
type Stat struct {
	Mode    uint32  `json:"mode"`
	Ino     uint64  `json:"ino"`
	Dev     uint64  `json:"dev"`
	Nlink   uint64  `json:"nlink"`
	UID     uint32  `json:"uid"`
	GID     uint32  `json:"gid"`
	Size    int64   `json:"size"`
	Blocks  int64   `json:"blocks"`
	Blksize int64   `json:"blksize"`
	Atime   float64 `json:"atime"`
	Mtime   float64 `json:"mtime"`
	Ctime   float64 `json:"ctime"`
	AtimeNS int64   `json:"atime_ns"`
	MtimeNS int64   `json:"mtime_ns"`
	CtimeNS int64   `json:"ctime_ns"`
}

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Mode:    st.Mode,
		Ino:     st.Ino,
		Dev:     uint64(st.Dev),
		Nlink:   uint64(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Size:    st.Size,
		Blocks:  st.Blocks,
		Blksize: int64(st.Blksize),
		Atime:   float64(st.Atim.Nano()) / 1e9,
		Mtime:   float64(st.Mtim.Nano()) / 1e9,
		Ctime:   float64(st.Ctim.Nano()) / 1e9,
		AtimeNS: st.Atim.Nano(),
		MtimeNS: st.Mtim.Nano(),
		CtimeNS: st.Ctim.Nano(),
	}
}

// parseMode validates an open mode: exactly one of r, w, a, x, plus at
// most one "b" and at most one "+". It returns the open flags and
// whether the mode needs write access.
func parseMode(mode string) (flags int, write bool, binary bool, err error) {
	base := ""
	plus := false
	for _, c := range mode {
		switch c {
		case 'b':
			if binary {
				return 0, false, false, apierror.InvalidArgument("invalid mode %q", mode)
			}
			binary = true
		case '+':
			if plus {
				return 0, false, false, apierror.InvalidArgument("invalid mode %q", mode)
			}
			plus = true
		case 'r', 'w', 'a', 'x':
			if base != "" {
				return 0, false, false, apierror.InvalidArgument("invalid mode %q", mode)
			}
			base = string(c)
		default:
			return 0, false, false, apierror.InvalidArgument("invalid mode %q", mode)
		}
	}

	access := os.O_WRONLY
	if plus {
		access = os.O_RDWR
	}
	switch base {
	case "r":
		if plus {
			return os.O_RDWR, true, binary, nil
		}
		return os.O_RDONLY, false, binary, nil
	case "w":
		return access | os.O_CREATE | os.O_TRUNC, true, binary, nil
	case "a":
		return access | os.O_CREATE | os.O_APPEND, true, binary, nil
	case "x":
		return access | os.O_CREATE | os.O_EXCL, true, binary, nil
	}
	return 0, false, false, apierror.InvalidArgument("invalid mode %q", mode)
}

// checkPath resolves path for the extension name and checks it against
// the extension's policy. Relative paths are taken relative to the
// extension's directory under ExtensionsDir.
func (b *Broker) checkPath(token, path string, write bool) (string, string, error) {
	name, pol, err := b.authorize(token)
	if err != nil {
		return "", "", err
	}
	if path == "" {
		return "", "", apierror.InvalidArgument("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.extensionsDir, name, path)
	}
	path = filepath.Clean(path)
	if !pol.FileAllowed(path, write) {
		capability := "file_read"
		if write {
			capability = "file_write"
		}
		return "", "", b.deny(name, capability, path)
	}
	return name, path, nil
}

// fsError maps filesystem errors into the broker vocabulary.
func fsError(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return apierror.NotFound("%s %s: no such file or directory", op, path).With("path", path)
	case errors.Is(err, fs.ErrPermission):
		return apierror.PermissionDenied("%s %s: %v", op, path, unwrapPathError(err)).With("path", path)
	case errors.Is(err, fs.ErrExist):
		return apierror.InvalidArgument("%s %s: file exists", op, path).With("path", path)
	}
	return apierror.Internal("%s %s: %w", op, path, err)
}

func unwrapPathError(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	return err
}

// FileOpen opens path with a Python-style mode ("r", "wb", "a+", ...)
// and returns a handle. encoding is accepted for text modes; only
// UTF-8 is supported.
func (b *Broker) FileOpen(token, path, mode, encoding string) (string, error) {
	if mode == "" {
		mode = "r"
	}
	flags, write, binary, err := parseMode(mode)
	if err != nil {
		return "", err
	}
	if !binary && encoding != "" && !isUTF8(encoding) {
		return "", apierror.InvalidArgument("unsupported encoding %q", encoding)
	}
	name, path, err := b.checkPath(token, path, write)
	if err != nil {
		return "", err
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", fsError("open", path, err)
	}
	handle, err := newToken()
	if err != nil {
		file.Close()
		return "", apierror.Internal("minting handle: %w", err)
	}

	b.fileMu.Lock()
	b.files[handle] = &fileHandle{owner: name, path: path, binary: binary, file: file}
	b.fileMu.Unlock()
	return handle, nil
}

func isUTF8(encoding string) bool {
	switch strings.ToLower(strings.ReplaceAll(encoding, "-", "")) {
	case "utf8", "ascii":
		return true
	}
	return false
}

// lookupFile finds handle on behalf of token. A handle owned by
// another extension is reported as not found.
func (b *Broker) lookupFile(token, handle string) (*fileHandle, error) {
	name, err := b.Resolve(token)
	if err != nil {
		return nil, err
	}
	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	entry, ok := b.files[handle]
	if !ok || entry.owner != name {
		return nil, apierror.NotFound("no file handle %q", handle)
	}
	return entry, nil
}

// FileClose closes and forgets handle.
func (b *Broker) FileClose(token, handle string) error {
	entry, err := b.lookupFile(token, handle)
	if err != nil {
		return err
	}
	b.fileMu.Lock()
	delete(b.files, handle)
	b.fileMu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.file.Close(); err != nil {
		return fsError("close", entry.path, err)
	}
	return nil
}

// FileRead reads up to length bytes (capped at MaxReadSize; negative
// means the cap). An empty result means end of file.
func (b *Broker) FileRead(token, handle string, length int) ([]byte, error) {
	entry, err := b.lookupFile(token, handle)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > MaxReadSize {
		length = MaxReadSize
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	buffer := make([]byte, length)
	n, err := io.ReadFull(entry.file, buffer)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fsError("read", entry.path, err)
	}
	return buffer[:n], nil
}

// FileWrite writes data and returns the byte count.
func (b *Broker) FileWrite(token, handle string, data []byte) (int, error) {
	entry, err := b.lookupFile(token, handle)
	if err != nil {
		return 0, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	n, err := entry.file.Write(data)
	if err != nil {
		return n, fsError("write", entry.path, err)
	}
	return n, nil
}

// FileFlush commits written data to stable storage.
func (b *Broker) FileFlush(token, handle string) error {
	entry, err := b.lookupFile(token, handle)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.file.Sync(); err != nil && !errors.Is(err, unix.EINVAL) {
		return fsError("flush", entry.path, err)
	}
	return nil
}

// FileSeek moves the file position. whence is 0 (start), 1 (current)
// or 2 (end).
func (b *Broker) FileSeek(token, handle string, offset int64, whence int) (int64, error) {
	if whence < io.SeekStart || whence > io.SeekEnd {
		return 0, apierror.InvalidArgument("invalid whence %d", whence)
	}
	entry, err := b.lookupFile(token, handle)
	if err != nil {
		return 0, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	position, err := entry.file.Seek(offset, whence)
	if err != nil {
		return 0, apierror.InvalidArgument("seek %s: %v", entry.path, unwrapPathError(err))
	}
	return position, nil
}

// FileTell returns the current file position.
func (b *Broker) FileTell(token, handle string) (int64, error) {
	return b.FileSeek(token, handle, 0, io.SeekCurrent)
}

// FileFstat returns metadata for an open handle.
func (b *Broker) FileFstat(token, handle string) (Stat, error) {
	entry, err := b.lookupFile(token, handle)
	if err != nil {
		return Stat{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	var st unix.Stat_t
	if err := unix.Fstat(int(entry.file.Fd()), &st); err != nil {
		return Stat{}, fsError("fstat", entry.path, err)
	}
	return statFromUnix(&st), nil
}

// FileStat returns metadata for path. Requires read access.
func (b *Broker) FileStat(token, path string) (Stat, error) {
	_, path, err := b.checkPath(token, path, false)
	if err != nil {
		return Stat{}, err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Stat{}, fsError("stat", path, err)
	}
	return statFromUnix(&st), nil
}

// FileList returns the entry names of a directory, sorted.
func (b *Broker) FileList(token, path string) ([]string, error) {
	_, path, err := b.checkPath(token, path, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fsError("list", path, err)
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	return names, nil
}

// FileMkdir creates one directory. Requires write access.
func (b *Broker) FileMkdir(token, path string) error {
	_, path, err := b.checkPath(token, path, true)
	if err != nil {
		return err
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return fsError("mkdir", path, err)
	}
	return nil
}

// FileDelete removes a file or an empty directory. Requires write
// access.
func (b *Broker) FileDelete(token, path string) error {
	_, path, err := b.checkPath(token, path, true)
	if err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fsError("delete", path, err)
	}
	if info.IsDir() {
		err = unix.Rmdir(path)
	} else {
		err = unix.Unlink(path)
	}
	if err != nil {
		return fsError("delete", path, &fs.PathError{Op: "delete", Path: path, Err: err})
	}
	return nil
}

func (b *Broker) closeFilesOwnedBy(name string) {
	b.fileMu.Lock()
	var owned []*fileHandle
	for handle, entry := range b.files {
		if entry.owner == name {
			owned = append(owned, entry)
			delete(b.files, handle)
		}
	}
	b.fileMu.Unlock()

	for _, entry := range owned {
		entry.mu.Lock()
		entry.file.Close()
		entry.mu.Unlock()
	}
}
