// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"io"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
)

// File is an open broker file handle. It implements io.Reader,
// io.Writer, io.Seeker and io.Closer using the context given to Open.
type File struct {
	host   *Host
	ctx    context.Context
	path   string
	handle string
}

// Open opens path with a mode string such as "r", "wb" or "a+".
// Relative paths resolve against the extension's own directory.
func (h *Host) Open(ctx context.Context, path, mode string) (*File, error) {
	var handle string
	if err := h.call(ctx, "file_open", &handle, path, mode); err != nil {
		return nil, err
	}
	return &File{host: h, ctx: ctx, path: path, handle: handle}, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

// Read reads up to len(p) bytes. The broker caps a single read, so
// short reads are normal.
func (f *File) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	length := min(len(p), broker.MaxReadSize)
	var data []byte
	if err := f.host.call(f.ctx, "file_read", &data, f.handle, length); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

// Write writes p in chunks no larger than a broker read.
func (f *File) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:min(len(p), written+broker.MaxReadSize)]
		var n int
		if err := f.host.call(f.ctx, "file_write", &n, f.handle, chunk); err != nil {
			return written, err
		}
		written += n
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var position int64
	err := f.host.call(f.ctx, "file_seek", &position, f.handle, offset, whence)
	return position, err
}

// Tell returns the current offset.
func (f *File) Tell() (int64, error) {
	var position int64
	err := f.host.call(f.ctx, "file_tell", &position, f.handle)
	return position, err
}

// Flush pushes buffered writes to the file.
func (f *File) Flush() error {
	return f.host.call(f.ctx, "file_flush", nil, f.handle)
}

// Stat describes the open file.
func (f *File) Stat() (broker.Stat, error) {
	var stat broker.Stat
	err := f.host.call(f.ctx, "file_fstat", &stat, f.handle)
	return stat, err
}

// Close releases the handle.
func (f *File) Close() error {
	return f.host.call(f.ctx, "file_close", nil, f.handle)
}

// ReadFile returns the whole content of path.
func (h *Host) ReadFile(ctx context.Context, path string) ([]byte, error) {
	file, err := h.Open(ctx, path, "rb")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// WriteFile replaces the content of path with data.
func (h *Host) WriteFile(ctx context.Context, path string, data []byte) error {
	file, err := h.Open(ctx, path, "wb")
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Copy copies src to dst through the broker; both paths are checked
// against the extension's policy.
func (h *Host) Copy(ctx context.Context, src, dst string) error {
	in, err := h.Open(ctx, src, "rb")
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := h.Open(ctx, dst, "wb")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ListDir returns the names in directory path.
func (h *Host) ListDir(ctx context.Context, path string) ([]string, error) {
	var names []string
	err := h.call(ctx, "file_list", &names, path)
	return names, err
}

// Mkdir creates directory path.
func (h *Host) Mkdir(ctx context.Context, path string) error {
	return h.call(ctx, "file_mkdir", nil, path)
}

// Remove deletes the file or empty directory at path.
func (h *Host) Remove(ctx context.Context, path string) error {
	return h.call(ctx, "file_delete", nil, path)
}

// Stat describes path.
func (h *Host) Stat(ctx context.Context, path string) (broker.Stat, error) {
	var stat broker.Stat
	err := h.call(ctx, "file_stat", &stat, path)
	return stat, err
}

// Exists reports whether path exists and is visible to the extension.
func (h *Host) Exists(ctx context.Context, path string) (bool, error) {
	_, err := h.Stat(ctx, path)
	if apierror.Is(err, apierror.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}
