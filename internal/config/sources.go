package config

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ParseSources returns the URIs in data, one per line. Blank lines and
// lines starting with # are skipped; duplicates keep their first position.
func ParseSources(data []byte) []string {
	var out []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}

// ReadSources reads a sources file.
func ReadSources(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read sources: %w", err)
	}
	return ParseSources(data), nil
}

const sourcesDebounce = 100 * time.Millisecond

// WatchSources calls apply with the current contents of path, then again
// after every change, until ctx is done. The parent directory is watched
// so editors that replace the file by rename are followed.
func WatchSources(ctx context.Context, path string, apply func([]string)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: sources path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		uris, err := ReadSources(abs)
		if err != nil {
			slog.Warn("config: sources file unreadable, keeping current streams", "path", abs, "error", err)
			return
		}
		slog.Info("config: sources loaded", "path", abs, "count", len(uris))
		apply(uris)
	}
	reload()

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(sourcesDebounce)

		case <-debounce.C:
			if pending {
				pending = false
				reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: sources watcher error", "error", err)
		}
	}
}
