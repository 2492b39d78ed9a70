package stream

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // decoder registration
	_ "image/png"  // decoder registration
	"os"
	"sync"
	"time"
)

// PatternSource produces a synthetic test pattern that shifts on every call,
// standing in for a camera on headless devices.
type PatternSource struct {
	Width  int
	Height int

	mu    sync.Mutex
	phase int
}

func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{Width: width, Height: height}
}

func (s *PatternSource) Frame() (image.Image, bool, error) {
	s.mu.Lock()
	phase := s.phase
	s.phase++
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	band := max(1, s.Width/8)

	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			shade := uint8(((x + phase*4) / band) * 32)
			img.SetRGBA(x, y, color.RGBA{R: shade, G: uint8(y * 255 / max(1, s.Height)), B: 255 - shade, A: 255})
		}
	}

	return img, true, nil
}

// FileSource reads the latest frame written to a JPEG or PNG file. A frame is
// only returned when the file's modification time has changed.
type FileSource struct {
	Path string

	mu      sync.Mutex
	lastMod time.Time
	lastLen int64
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Frame() (image.Image, bool, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	s.mu.Lock()
	unchanged := info.ModTime().Equal(s.lastMod) && info.Size() == s.lastLen
	s.mu.Unlock()

	if unchanged {
		return nil, false, nil
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		// Likely caught mid-write; try again next tick.
		return nil, false, fmt.Errorf("decode %s: %w", s.Path, err)
	}

	s.mu.Lock()
	s.lastMod = info.ModTime()
	s.lastLen = info.Size()
	s.mu.Unlock()

	return img, true, nil
}
