package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/fetchd/internal/domain"
)

// yt-dlp progress lines look like:
//
//	[download]  42.1% of 10.55MiB at 1.23MiB/s ETA 00:12
var (
	rePercent = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reTotal   = regexp.MustCompile(`\bof\s+~?([0-9.]+[KMGT]?i?B)`)
	reSpeed   = regexp.MustCompile(`\bat\s+([^\s]+/s)`)
	reETA     = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
)

// Fetcher implements domain.Fetcher by shelling out to yt-dlp.
type Fetcher struct {
	binary string
	format string
}

// New creates a fetcher. binary defaults to "yt-dlp" when empty.
func New(binary string) *Fetcher {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Fetcher{binary: binary, format: "best"}
}

// probeInfo is the subset of yt-dlp -J output we care about.
type probeInfo struct {
	Title      string `json:"title"`
	Thumbnail  string `json:"thumbnail"`
	Thumbnails []struct {
		URL        string  `json:"url"`
		Preference float64 `json:"preference"`
	} `json:"thumbnails"`
}

// Probe runs a metadata-only extraction.
func (f *Fetcher) Probe(ctx context.Context, sourceKey string) (domain.Metadata, error) {
	cmd := exec.CommandContext(ctx, f.binary, "-J", "--no-playlist", "--no-download", sourceKey)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("yt-dlp probe: %w: %s", err, lastLine(stderr.String()))
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (domain.Metadata, error) {
	var info probeInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return domain.Metadata{}, fmt.Errorf("yt-dlp probe: parse output: %w", err)
	}
	meta := domain.Metadata{Title: info.Title, ThumbnailURL: info.Thumbnail}
	if meta.ThumbnailURL == "" && len(info.Thumbnails) > 0 {
		best := info.Thumbnails[0]
		for _, t := range info.Thumbnails[1:] {
			if t.Preference > best.Preference {
				best = t
			}
		}
		meta.ThumbnailURL = best.URL
	}
	return meta, nil
}

// Fetch downloads the media into dir, reporting progress per output
// line. The artifact is written as media.<ext> inside dir.
func (f *Fetcher) Fetch(ctx context.Context, sourceKey, dir string, onSample func(domain.Sample)) (domain.FetchResult, error) {
	outTemplate := filepath.Join(dir, "media.%(ext)s")
	cmd := exec.CommandContext(ctx, f.binary,
		"--newline", "--no-playlist",
		"-f", f.format,
		"-o", outTemplate,
		sourceKey,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("yt-dlp stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return domain.FetchResult{}, &domain.FetchError{Cause: fmt.Sprintf("start yt-dlp: %v", err)}
	}

	start := time.Now()
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if s, ok := parseProgressLine(scanner.Text()); ok {
			s.ElapsedSeconds = time.Since(start).Seconds()
			onSample(s)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		return domain.FetchResult{}, &domain.FetchError{Cause: fmt.Sprintf("yt-dlp: %s", lastLine(stderr.String()))}
	}

	path, size, err := locateArtifact(dir)
	if err != nil {
		return domain.FetchResult{}, &domain.FetchError{Cause: err.Error()}
	}
	return domain.FetchResult{Path: path, SizeBytes: size}, nil
}

// parseProgressLine extracts a raw sample from one yt-dlp output line.
// Only [download] lines with a percentage are samples.
func parseProgressLine(line string) (domain.Sample, bool) {
	if !strings.HasPrefix(line, "[download]") {
		return domain.Sample{}, false
	}
	m := rePercent.FindStringSubmatch(line)
	if m == nil {
		return domain.Sample{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return domain.Sample{}, false
	}
	s := domain.Sample{Percent: pct}
	if m := reTotal.FindStringSubmatch(line); m != nil {
		s.TotalBytes = parseByteSize(m[1])
		s.DownloadedBytes = int64(float64(s.TotalBytes) * pct / 100)
	}
	if m := reSpeed.FindStringSubmatch(line); m != nil {
		s.Speed = m[1]
	}
	if m := reETA.FindStringSubmatch(line); m != nil {
		s.ETA = m[1]
	}
	return s, true
}

// parseByteSize converts yt-dlp size strings ("10.55MiB", "987KiB",
// "1.2GB") to bytes. Returns 0 for anything unparseable.
func parseByteSize(s string) int64 {
	units := []struct {
		suffix string
		factor float64
	}{
		{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30}, {"TiB", 1 << 40},
		{"KB", 1e3}, {"MB", 1e6}, {"GB", 1e9}, {"TB", 1e12},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0
			}
			return int64(n * u.factor)
		}
	}
	return 0
}

// locateArtifact finds the downloaded media file, skipping partials.
func locateArtifact(dir string) (string, int64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "media.*"))
	if err != nil {
		return "", 0, err
	}
	for _, path := range matches {
		if strings.HasSuffix(path, ".part") || strings.HasSuffix(path, ".ytdl") {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			continue
		}
		return path, fi.Size(), nil
	}
	return "", 0, fmt.Errorf("no artifact produced in %s", dir)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
