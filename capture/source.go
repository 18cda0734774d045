package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// Source produces frames for the pipeline. Next blocks until a frame is
// available or the context is cancelled. The returned frame is owned by the
// caller.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// StillSource replays a single decoded image on every tick. Used by tests
// and for still-photo analysis.
type StillSource struct {
	img image.Image
}

func NewStillSource(img image.Image) *StillSource {
	return &StillSource{img: img}
}

func (s *StillSource) Next(_ context.Context) (*Frame, error) {
	return NewFrame(s.img, time.Now(), nil), nil
}

func (s *StillSource) Close() error { return nil }

// DirSource walks a directory of image files in name order, yielding one
// frame per file. Next returns io-style errors for unreadable files and
// ErrExhausted once all files are consumed.
type DirSource struct {
	paths []string
	pos   int
}

// ErrExhausted signals that a finite source has no more frames.
var ErrExhausted = fmt.Errorf("capture: source exhausted")

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("capture: read dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png", ".bmp":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("capture: no image files in %s", dir)
	}
	return &DirSource{paths: paths}, nil
}

func (s *DirSource) Next(_ context.Context) (*Frame, error) {
	if s.pos >= len(s.paths) {
		return nil, ErrExhausted
	}
	path := s.paths[s.pos]
	s.pos++
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	return NewFrame(img, time.Now(), nil), nil
}

func (s *DirSource) Close() error { return nil }

// Pump drives the capture loop: one Next per tick, each frame handed to the
// sink. The sink takes ownership of the frame and must release it on every
// path, including when it decides to drop.
type Pump struct {
	src      Source
	interval time.Duration
	sink     func(*Frame)
	log      *logrus.Entry
}

func NewPump(src Source, interval time.Duration, sink func(*Frame), log *logrus.Entry) *Pump {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pump{src: src, interval: interval, sink: sink, log: log}
}

// Run loops until the context is cancelled or the source is exhausted. A
// failed capture skips the tick; it never stops the loop.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame, err := p.src.Next(ctx)
			if err != nil {
				if err == ErrExhausted || ctx.Err() != nil {
					return err
				}
				p.log.WithError(err).Warn("frame capture failed")
				continue
			}
			p.sink(frame)
		}
	}
}
