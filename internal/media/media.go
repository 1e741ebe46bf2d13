// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

// Package media resolves media references to files the encoder can read.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("media not found")

// Store resolves a media reference to a confirmed-existing path.
type Store interface {
	Lookup(ref string) (string, error)
}

// DirStore resolves references relative to a root directory.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// IsNetwork reports whether ref is a URL the encoder pulls over the network.
func IsNetwork(ref string) bool {
	for _, scheme := range []string{"http://", "https://", "rtmp://", "rtmps://", "srt://", "udp://", "rtsp://"} {
		if strings.HasPrefix(strings.ToLower(ref), scheme) {
			return true
		}
	}
	return false
}

func (s *DirStore) Lookup(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNotFound
	}
	if IsNetwork(ref) {
		return ref, nil
	}

	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	// absolute references must still live under the root
	path := filepath.Clean(ref)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes media root", ErrNotFound, ref)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}
	return path, nil
}
