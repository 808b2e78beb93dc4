// Package swarm defines the content-transfer engine the cache drives and an
// adapter over anacrolix/torrent. The cache never speaks the swarm wire
// protocol itself.
package swarm

import (
	"context"
	"errors"
)

// Priority is the fetch priority of one file inside a swarm handle.
type Priority int

const (
	PriorityIgnore Priority = iota
	PriorityNormal
	PriorityMaximum
)

func (p Priority) String() string {
	switch p {
	case PriorityIgnore:
		return "ignore"
	case PriorityNormal:
		return "normal"
	case PriorityMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// ErrUnknownHandle is returned for handles the engine is not tracking.
var ErrUnknownHandle = errors.New("swarm: unknown handle")

// File describes one file inside a handle.
type File struct {
	Index int
	Path  string
	Size  int64
}

// Handle identifies one added reference.
type Handle struct {
	ID      string
	Name    string
	Creator string
	// Magnet is a shareable reference to the same content, if the engine
	// can produce one.
	Magnet string
	Files  []File
}

// Engine is the black-box transfer engine consumed by the content cache.
type Engine interface {
	AddReference(ctx context.Context, ref string) ([]Handle, error)
	SetFilePriority(h Handle, fileIndex int, level Priority) error
	Pause(h Handle) error
	Resume(h Handle) error
	FileProgress(h Handle, fileIndex int) int64
	FileSize(h Handle, fileIndex int) int64
	LocalPath(h Handle, fileIndex int) string
	DeleteLocalFile(h Handle, fileIndex int) error
}
