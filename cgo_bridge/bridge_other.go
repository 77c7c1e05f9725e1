//go:build !darwin || !cgo

// Package cgo_bridge implements objc.Runtime over the Objective-C runtime.
// Outside darwin with cgo there is no native runtime.
package cgo_bridge

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Runtime is unavailable on this platform.
type Runtime struct{}

// New always fails on this platform.
func New() (*Runtime, error) {
	return nil, fmt.Errorf("cgo_bridge: %w: %w", objc.ErrNoRuntime, objc.ErrPlatformUnsupported)
}

// Load always fails on this platform.
func Load() (objc.Runtime, error) {
	_, err := New()
	return nil, err
}
