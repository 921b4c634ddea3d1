// Package transcode turns an uploaded source video into an HLS rendition
// ladder stored next to it in the object store.
package transcode

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

const MasterPlaylist = "master.m3u8"

type Rendition struct {
	Name         string
	Height       int
	VideoBitrate string
	AudioBitrate string
}

var DefaultLadder = []Rendition{
	{Name: "720p", Height: 720, VideoBitrate: "2800k", AudioBitrate: "128k"},
	{Name: "480p", Height: 480, VideoBitrate: "1400k", AudioBitrate: "96k"},
	{Name: "360p", Height: 360, VideoBitrate: "800k", AudioBitrate: "64k"},
}

type ObjectStore interface {
	DownloadToFile(ctx context.Context, key, destPath string) error
	UploadFile(ctx context.Context, key, filePath, contentType string) error
	PublicURL(key string) string
}

type runFunc func(ctx context.Context, name string, args ...string) error

type Options struct {
	FFmpegPath     string
	Ladder         []Rendition
	SegmentSeconds int
	TempDir        string
	Logger         *slog.Logger
}

type Transcoder struct {
	store   ObjectStore
	ffmpeg  string
	ladder  []Rendition
	segment int
	tmp     string
	logger  *slog.Logger
	run     runFunc
}

func New(store ObjectStore, opts Options) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if len(opts.Ladder) == 0 {
		opts.Ladder = DefaultLadder
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 6
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transcoder{
		store:   store,
		ffmpeg:  opts.FFmpegPath,
		ladder:  opts.Ladder,
		segment: opts.SegmentSeconds,
		tmp:     opts.TempDir,
		logger:  opts.Logger,
		run:     runCommand,
	}
}

// Prefix is the object prefix holding the renditions of fileKey in roomID.
func Prefix(roomID, fileKey string) string {
	base := path.Base(fileKey)
	base = strings.TrimSuffix(base, path.Ext(base))
	return "hls/" + roomID + "/" + base
}

// Convert transcodes fileKey and returns the public URL of its master
// playlist.
func (t *Transcoder) Convert(ctx context.Context, roomID, fileKey string) (string, error) {
	log := t.logger.With("room_id", roomID, "file_key", fileKey)
	names := make([]string, 0, len(t.ladder))
	for _, r := range t.ladder {
		names = append(names, r.Name)
	}
	log.Info("transcode: starting", "ladder", strings.Join(names, ","))

	work, err := os.MkdirTemp(t.tmp, "watch-party-hls-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	input := filepath.Join(work, "source"+path.Ext(fileKey))
	if err := t.store.DownloadToFile(ctx, fileKey, input); err != nil {
		return "", err
	}

	out := filepath.Join(work, "out")
	for i := range t.ladder {
		if err := os.MkdirAll(filepath.Join(out, "v"+strconv.Itoa(i)), 0o755); err != nil {
			return "", fmt.Errorf("create rendition dir: %w", err)
		}
	}

	if err := t.run(ctx, t.ffmpeg, buildHLSArgs(input, out, t.ladder, t.segment)...); err != nil {
		return "", err
	}

	prefix := Prefix(roomID, fileKey)
	n, err := t.uploadDir(ctx, out, prefix)
	if err != nil {
		return "", err
	}

	url := t.store.PublicURL(prefix + "/" + MasterPlaylist)
	log.Info("transcode: completed", "objects", n, "hls_url", url)
	return url, nil
}

func (t *Transcoder) uploadDir(ctx context.Context, dir, prefix string) (int, error) {
	var n int
	sawMaster := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == MasterPlaylist {
			sawMaster = true
		}
		if err := t.store.UploadFile(ctx, prefix+"/"+rel, p, contentType(rel)); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if !sawMaster {
		return n, fmt.Errorf("ffmpeg produced no %s", MasterPlaylist)
	}
	return n, nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s", ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func buildHLSArgs(input, outDir string, ladder []Rendition, segment int) []string {
	var split strings.Builder
	split.WriteString("[0:v]split=" + strconv.Itoa(len(ladder)))
	for i := range ladder {
		split.WriteString(fmt.Sprintf("[v%d]", i))
	}
	for i, r := range ladder {
		split.WriteString(fmt.Sprintf(";[v%d]scale=-2:'min(%d,ih)'[v%dout]", i, r.Height, i))
	}

	args := []string{"-hide_banner", "-y", "-i", input, "-filter_complex", split.String()}

	streams := make([]string, 0, len(ladder))
	for i, r := range ladder {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", "[v"+idx+"out]",
			"-c:v:"+idx, "libx264",
			"-b:v:"+idx, r.VideoBitrate,
			"-map", "0:a:0",
			"-c:a:"+idx, "aac",
			"-b:a:"+idx, r.AudioBitrate,
		)
		streams = append(streams, fmt.Sprintf("v:%d,a:%d", i, i))
	}

	args = append(args,
		"-preset", "veryfast",
		"-g", "48",
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(outDir, "v%v", "seg_%03d.ts"),
		"-master_pl_name", MasterPlaylist,
		"-var_stream_map", strings.Join(streams, " "),
		filepath.Join(outDir, "v%v", "index.m3u8"),
	)
	return args
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg hls: %w: %s", err, tail(output, 2048))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
