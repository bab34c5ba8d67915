// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filesystem

import (
	"context"
	"os"
	"sync"
	"time"
)

// MockFileSystem is a mock implementation of the filesystem.Service interface.
// By default it serves reads and writes from an in-memory file map; individual
// operations can be overridden through the *Func fields.
type MockFileSystem struct {
	ReadFileFunc        func(ctx context.Context, path string) ([]byte, error)
	WriteFileFunc       func(ctx context.Context, path string, data []byte, perm os.FileMode) error
	PathExistsFunc      func(ctx context.Context, path string) (bool, error)
	EnsureDirectoryFunc func(ctx context.Context, path string) error
	StatFunc            func(ctx context.Context, path string) (os.FileInfo, error)

	files map[string][]byte
	dirs  map[string]bool
	mutex sync.Mutex
}

// NewMockFileSystem creates a new MockFileSystem instance
func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// WithFile pre-seeds the in-memory store with a file.
func (m *MockFileSystem) WithFile(path string, data []byte) *MockFileSystem {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.files[path] = append([]byte(nil), data...)
	return m
}

// WithReadFileFunc overrides ReadFile for this mock.
func (m *MockFileSystem) WithReadFileFunc(fn func(ctx context.Context, path string) ([]byte, error)) *MockFileSystem {
	m.ReadFileFunc = fn
	return m
}

// WithWriteFileFunc overrides WriteFile for this mock.
func (m *MockFileSystem) WithWriteFileFunc(fn func(ctx context.Context, path string, data []byte, perm os.FileMode) error) *MockFileSystem {
	m.WriteFileFunc = fn
	return m
}

// WithPathExistsFunc overrides PathExists for this mock.
func (m *MockFileSystem) WithPathExistsFunc(fn func(ctx context.Context, path string) (bool, error)) *MockFileSystem {
	m.PathExistsFunc = fn
	return m
}

// WithEnsureDirectoryFunc overrides EnsureDirectory for this mock.
func (m *MockFileSystem) WithEnsureDirectoryFunc(fn func(ctx context.Context, path string) error) *MockFileSystem {
	m.EnsureDirectoryFunc = fn
	return m
}

// WithStatFunc overrides Stat for this mock.
func (m *MockFileSystem) WithStatFunc(fn func(ctx context.Context, path string) (os.FileInfo, error)) *MockFileSystem {
	m.StatFunc = fn
	return m
}

// FileContent returns the current in-memory content of path.
func (m *MockFileSystem) FileContent(path string) ([]byte, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// EnsureDirectory creates a directory if it doesn't exist
func (m *MockFileSystem) EnsureDirectory(ctx context.Context, path string) error {
	if m.EnsureDirectoryFunc != nil {
		return m.EnsureDirectoryFunc(ctx, path)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dirs[path] = true
	return nil
}

// ReadFile reads a file's contents respecting the context
func (m *MockFileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, path)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

// WriteFile writes data to a file respecting the context
func (m *MockFileSystem) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if m.WriteFileFunc != nil {
		return m.WriteFileFunc(ctx, path, data, perm)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.files[path] = append([]byte(nil), data...)
	return nil
}

// PathExists checks if a file or directory exists at the given path
func (m *MockFileSystem) PathExists(ctx context.Context, path string) (bool, error) {
	if m.PathExistsFunc != nil {
		return m.PathExistsFunc(ctx, path)
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.files[path]; ok {
		return true, nil
	}
	return m.dirs[path], nil
}

// Stat returns file info
func (m *MockFileSystem) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if m.StatFunc != nil {
		return m.StatFunc(ctx, path)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return mockFileInfo{name: path, size: int64(len(data))}, nil
}

// mockFileInfo is a minimal os.FileInfo for in-memory files.
type mockFileInfo struct {
	name string
	size int64
}

func (fi mockFileInfo) Name() string       { return fi.name }
func (fi mockFileInfo) Size() int64        { return fi.size }
func (fi mockFileInfo) Mode() os.FileMode  { return 0644 }
func (fi mockFileInfo) ModTime() time.Time { return time.Time{} }
func (fi mockFileInfo) IsDir() bool        { return false }
func (fi mockFileInfo) Sys() interface{}   { return nil }
