// Package monitor orchestrates camera proctoring: it acquires the
// device stream, samples frames on a randomized interval, runs each
// sample through the frame analyzer, promotes suspicious verdicts to
// counted violations, and uploads every sampled frame for human audit.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"proctord/internal/frame"
)

// CaptureSpec is one rung of the acquisition fallback ladder.
type CaptureSpec struct {
	Width  int
	Height int
	FPS    int
}

// FallbackLadder is the ordered list of capability requests tried
// during acquisition, richest first. Device and driver variance means
// the richest request frequently fails; acquisition walks down the
// ladder before giving up.
var FallbackLadder = []CaptureSpec{
	{Width: 1280, Height: 720, FPS: 30},
	{Width: 640, Height: 480, FPS: 15},
	{Width: 320, Height: 240, FPS: 5},
}

// Stream is an open camera stream.
type Stream interface {
	// Grab captures one frame.
	Grab(ctx context.Context) (*frame.Frame, error)

	// Close halts the stream and releases the device synchronously.
	Close() error
}

// Camera opens device streams. Implementations wrap the host capture
// API; tests supply synthetic streams.
type Camera interface {
	Open(ctx context.Context, spec CaptureSpec) (Stream, error)
}

// ErrPermissionDenied distinguishes a denied camera permission from
// other acquisition failures. Both degrade monitoring; permission
// denials are not retried down the ladder.
var ErrPermissionDenied = errors.New("monitor: camera permission denied")

// acquire walks the fallback ladder and returns the first stream that
// opens. It never panics or propagates a hard failure: an error return
// means monitoring degrades to unavailable.
func acquire(ctx context.Context, cam Camera, ladder []CaptureSpec) (Stream, CaptureSpec, error) {
	var lastErr error
	for _, spec := range ladder {
		stream, err := cam.Open(ctx, spec)
		if err == nil {
			return stream, spec, nil
		}
		lastErr = err
		if errors.Is(err, ErrPermissionDenied) {
			// A denied permission will not succeed at a lower spec.
			return nil, CaptureSpec{}, err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("empty fallback ladder")
	}
	return nil, CaptureSpec{}, fmt.Errorf("acquire camera: %w", lastErr)
}
