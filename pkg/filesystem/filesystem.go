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

// Package filesystem wraps the handful of disk operations this project needs
// behind a context-aware interface, so config and store code can be tested
// against a mock and so slow disks cannot stall a caller past its deadline.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
)

// Service provides an interface for filesystem operations
// This allows for easier testing and separation of concerns.
type Service interface {
	// EnsureDirectory creates a directory if it doesn't exist
	EnsureDirectory(ctx context.Context, path string) error

	// ReadFile reads a file's contents respecting the context
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes data to a file respecting the context
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error

	// PathExists checks if a file or directory exists at the given path
	PathExists(ctx context.Context, path string) (bool, error)

	// Stat returns file info
	Stat(ctx context.Context, path string) (os.FileInfo, error)
}

// DefaultService is the default implementation of Service.
type DefaultService struct{}

// NewDefaultService creates a new DefaultService.
func NewDefaultService() *DefaultService {
	return &DefaultService{}
}

// recordOp records filesystem operation metrics
func (s *DefaultService) recordOp(op string, path string, start time.Time) {
	metrics.RecordFilesystemOp(op, path, time.Since(start))
}

// checkContext checks if the context is done before proceeding with an operation.
func (s *DefaultService) checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// EnsureDirectory creates a directory if it doesn't exist.
func (s *DefaultService) EnsureDirectory(ctx context.Context, path string) error {
	start := time.Now()
	defer s.recordOp("EnsureDirectory", path, start)

	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.MkdirAll(path, 0755)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFile reads a file's contents respecting the context.
func (s *DefaultService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	defer s.recordOp("ReadFile", path, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		data []byte
		err  error
	}

	resCh := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(path)
		resCh <- result{data: data, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFile writes data to a file respecting the context.
func (s *DefaultService) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	start := time.Now()
	defer s.recordOp("WriteFile", path, start)

	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.WriteFile(path, data, perm)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", path, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PathExists checks if a file or directory exists at the given path.
func (s *DefaultService) PathExists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	defer s.recordOp("PathExists", path, start)

	if err := s.checkContext(ctx); err != nil {
		return false, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		exists bool
		err    error
	}

	resCh := make(chan result, 1)

	go func() {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			resCh <- result{exists: true}
		case errors.Is(err, os.ErrNotExist):
			resCh <- result{exists: false}
		default:
			resCh <- result{err: err}
		}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return false, fmt.Errorf("failed to check path %s: %w", path, res.err)
		}
		return res.exists, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stat returns file info.
func (s *DefaultService) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	start := time.Now()
	defer s.recordOp("Stat", path, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		info os.FileInfo
		err  error
	}

	resCh := make(chan result, 1)

	go func() {
		info, err := os.Stat(path)
		resCh <- result{info: info, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, res.err)
		}
		return res.info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
