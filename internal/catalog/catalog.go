// Package catalog lists the finished recordings in a storage folder.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Recording is one video file as seen at refresh time. It is never
// updated in place; a new refresh produces new values.
type Recording struct {
	Location       string    `json:"location"`
	Title          string    `json:"title"`
	DurationMillis int64     `json:"duration_ms"`
	Size           int64     `json:"size"`
	Modified       time.Time `json:"modified"`
	// Pending marks a file the muxer has not flushed yet.
	Pending bool `json:"pending"`
}

// DurationProber extracts a media duration in milliseconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (int64, error)
}

type Catalog struct {
	prober    DurationProber
	extension string
}

// New returns a catalog that includes files ending in extension
// (compared case-insensitively, e.g. ".mp4").
func New(prober DurationProber, extension string) *Catalog {
	ext := strings.ToLower(extension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Catalog{prober: prober, extension: ext}
}

// Extension is the normalized suffix recordings are matched by; new
// recordings should be named with it.
func (c *Catalog) Extension() string {
	return c.extension
}

// Refresh scans the immediate entries of folder and returns every matching
// recording. A folder that does not exist yields an empty catalog.
//
// The result is the directory listing order reversed, which puts the
// newest timestamp-named file first. Files whose names do not sort by
// time are not reordered by modification time.
func (c *Catalog) Refresh(ctx context.Context, folder string) ([]Recording, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Recording{}, nil
		}
		return nil, fmt.Errorf("read recordings folder: %w", err)
	}

	recordings := make([]Recording, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !c.matches(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}

		path := filepath.Join(folder, entry.Name())
		rec := Recording{
			Location: path,
			Title:    entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			Pending:  info.Size() == 0,
		}
		if !rec.Pending {
			rec.DurationMillis = c.duration(ctx, path)
		}
		recordings = append(recordings, rec)
	}

	for i, j := 0, len(recordings)-1; i < j; i, j = i+1, j-1 {
		recordings[i], recordings[j] = recordings[j], recordings[i]
	}

	log.Printf("Catalog: %d recording(s) in %s", len(recordings), folder)
	return recordings, nil
}

func (c *Catalog) matches(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), c.extension)
}

func (c *Catalog) duration(ctx context.Context, path string) int64 {
	if c.prober == nil {
		return 0
	}
	ms, err := c.prober.Duration(ctx, path)
	if err != nil {
		log.Printf("Catalog: could not read duration of %s: %v", path, err)
		return 0
	}
	if ms < 0 {
		return 0
	}
	return ms
}
