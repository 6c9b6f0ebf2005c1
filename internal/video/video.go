// Package video decodes source videos into RGBA frames and encodes RGBA
// frames into output videos.
package video

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
)

// Info describes an opened source video
type Info struct {
	Width      int
	Height     int
	FrameCount int     // 0 when the container does not report it
	FrameRate  float64 // frames per second, 0 when unknown
	Duration   float64 // seconds, 0 when unknown
}

// EstimatedFrames returns FrameCount, or duration*rate when the count is
// missing. It returns 0 when neither is known.
func (i Info) EstimatedFrames() int {
	if i.FrameCount > 0 {
		return i.FrameCount
	}
	if i.Duration > 0 && i.FrameRate > 0 {
		return int(i.Duration*i.FrameRate + 0.5)
	}
	return 0
}

// Source yields decoded frames in order. Next returns io.EOF after the last frame.
type Source interface {
	Info() Info
	Next() (*image.RGBA, error)
	Close() error
}

// Sink accepts frames in order. Close flushes and finalizes the container.
type Sink interface {
	Write(img image.Image) error
	Close() error
}

// SinkOptions configures an output video
type SinkOptions struct {
	Width     int
	Height    int
	FrameRate float64
	Codec     string
}

// Opener opens source videos
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// Creator creates output videos
type Creator interface {
	Create(ctx context.Context, path string, opts SinkOptions) (Sink, error)
}

// Backend bundles an Opener and a Creator
type Backend interface {
	Opener
	Creator
}

// BackendFactory builds a backend from its settings
type BackendFactory func(cfg BackendConfig) (Backend, error)

// BackendConfig holds settings shared by all backends
type BackendConfig struct {
	FFmpegPath  string
	FFprobePath string
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// Register makes a backend available by name
func Register(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// NewBackend builds the named backend
func NewBackend(name string, cfg BackendConfig) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown video backend %q (available: %v)", name, Backends())
	}
	return factory(cfg)
}

// Backends lists registered backend names
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
