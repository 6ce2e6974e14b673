// Package audio provides PCM helpers for the voice pipeline: a rolling,
// frame-aligned ring buffer used by the smart-turn policy, and encoding
// conversion utilities.
package audio

import (
	"sync"
)

// Ring is a rolling buffer of fixed-size PCM frames covering the most recent
// window of audio. As the buffer fills, the oldest frames are dropped.
//
// Timing is derived purely from the number of bytes pushed: frame N covers
// [N, N+1) frame durations since the first byte. Frames returns a snapshot of
// the window between two times, clamped to what the buffer still holds.
//
// Appends never block. All methods are safe for concurrent use.
type Ring struct {
	sampleRate  int
	sampleWidth int
	frameSize   int // samples per frame
	frameBytes  int
	maxFrames   int

	mu          sync.Mutex
	frames      [][]byte
	pending     []byte
	totalFrames int
}

// NewRing creates a ring that retains windowSeconds of audio split into
// frames of frameSize samples. sampleWidth is bytes per sample (2 for
// pcm_s16le).
func NewRing(sampleRate, frameSize, sampleWidth int, windowSeconds float64) *Ring {
	if sampleWidth <= 0 {
		sampleWidth = 2
	}
	maxFrames := int(windowSeconds * float64(sampleRate) / float64(frameSize))
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &Ring{
		sampleRate:  sampleRate,
		sampleWidth: sampleWidth,
		frameSize:   frameSize,
		frameBytes:  frameSize * sampleWidth,
		maxFrames:   maxFrames,
	}
}

// PutBytes appends arbitrary-length PCM data. Partial frames accumulate until
// a full frame is available; whole frames are committed immediately.
func (r *Ring) PutBytes(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 && len(data) == r.frameBytes {
		r.putFrame(data)
		return
	}

	r.pending = append(r.pending, data...)
	for len(r.pending) >= r.frameBytes {
		r.putFrame(r.pending[:r.frameBytes])
		r.pending = r.pending[r.frameBytes:]
	}
}

// putFrame commits one whole frame, evicting the oldest when over capacity.
// Must be called with r.mu held.
func (r *Ring) putFrame(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.frames = append(r.frames, cp)
	r.totalFrames++
	if len(r.frames) > r.maxFrames {
		drop := len(r.frames) - r.maxFrames
		fresh := make([][]byte, r.maxFrames)
		copy(fresh, r.frames[drop:])
		r.frames = fresh
	}
}

// Frames returns the audio between startTime and endTime (seconds since the
// first byte pushed). Both bounds are clamped to the window still held;
// a fully out-of-range request returns nil.
func (r *Ring) Frames(startTime, endTime float64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	startIdx := r.frameFromTime(startTime)
	endIdx := r.frameFromTime(endTime)

	bufStart := r.totalFrames - len(r.frames)
	bufEnd := r.totalFrames

	if endIdx <= bufStart || startIdx >= bufEnd {
		return nil
	}
	if startIdx < bufStart {
		startIdx = bufStart
	}
	if endIdx > bufEnd {
		endIdx = bufEnd
	}

	out := make([]byte, 0, (endIdx-startIdx)*r.frameBytes)
	for _, frame := range r.frames[startIdx-bufStart : endIdx-bufStart] {
		out = append(out, frame...)
	}
	return out
}

// frameFromTime converts a time to an absolute frame index. The epsilon keeps
// truncation stable across floating-point representations of exact frame
// boundaries.
func (r *Ring) frameFromTime(t float64) int {
	return int(t*float64(r.sampleRate)/float64(r.frameSize) + 1e-9)
}

// TotalTime returns the seconds of audio pushed since creation.
func (r *Ring) TotalTime() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.totalFrames) * float64(r.frameSize) / float64(r.sampleRate)
}

// TotalFrames returns the number of whole frames pushed since creation.
func (r *Ring) TotalFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalFrames
}

// Len returns the number of frames currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Reset discards all retained frames but keeps the timing origin.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
	r.pending = nil
}
