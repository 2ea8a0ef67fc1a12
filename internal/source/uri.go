package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var errUnroutable = errors.New("no opener for uri")

// NormalizeURI turns an existing local path into a file:// URI and a V4L2
// device node into a v4l2:// URI, leaving everything else alone. It is
// meant for the command surface; the core treats URIs as opaque.
func NormalizeURI(s string) (string, error) {
	if strings.Contains(s, "://") {
		return s, nil
	}
	if strings.HasPrefix(s, "/dev/video") {
		return "v4l2://" + s, nil
	}
	if _, err := os.Stat(s); err != nil {
		return s, nil
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

// Resolver turns a page URI into the media URIs behind it. A playlist may
// resolve to many.
type Resolver interface {
	Match(uri string) bool
	Resolve(ctx context.Context, uri string) ([]string, error)
}

// ExpandURIs normalizes every input and passes it through the first
// matching resolver. Inputs a resolver cannot handle because its tool is
// missing are skipped with a warning; any other resolver error is
// returned.
func ExpandURIs(ctx context.Context, inputs []string, resolvers ...Resolver) ([]string, error) {
	var out []string
	for _, in := range inputs {
		uri, err := NormalizeURI(in)
		if err != nil {
			return nil, fmt.Errorf("source: invalid uri %q: %w", in, err)
		}
		r := matchResolver(uri, resolvers)
		if r == nil {
			out = append(out, uri)
			continue
		}
		resolved, err := r.Resolve(ctx, uri)
		if errors.Is(err, exec.ErrNotFound) {
			slog.Warn("source: resolver tool not found, skipping uri", "uri", uri, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("source: resolve %s: %w", uri, err)
		}
		slog.Debug("source: uri resolved", "uri", uri, "media", len(resolved))
		out = append(out, resolved...)
	}
	return out, nil
}

func matchResolver(uri string, resolvers []Resolver) Resolver {
	for _, r := range resolvers {
		if r.Match(uri) {
			return r
		}
	}
	return nil
}

var youtubeHosts = map[string]bool{
	"www.youtube.com": true,
	"youtube.com":     true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

// YouTubeResolver asks yt-dlp (or a compatible tool) for the direct media
// URLs of a video or playlist page.
type YouTubeResolver struct {
	// Command defaults to yt-dlp.
	Command string
	// Format is passed to -f and defaults to "best".
	Format string
}

// Match reports whether uri points at a YouTube page.
func (r YouTubeResolver) Match(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && youtubeHosts[strings.ToLower(u.Hostname())]
}

// Resolve runs the tool with -g and returns one URL per output line.
func (r YouTubeResolver) Resolve(ctx context.Context, uri string) ([]string, error) {
	command, format := r.Command, r.Format
	if command == "" {
		command = "yt-dlp"
	}
	if format == "" {
		format = "best"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, "-f", format, "-g", uri)
	cmd.Stderr = &stderr
	stdout, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", command, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", command, err)
	}

	var urls []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("no media urls")
	}
	return urls, nil
}
