package playback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/grafov/m3u8"
)

const maxPlaylistBytes = 4 << 20

// ErrNoSegments means the playlist lists neither variants nor segments.
var ErrNoSegments = errors.New("playback: playlist has no segments")

// ManifestDuration returns the length in seconds of the HLS presentation at
// manifestURL. A master playlist is followed to its first variant; the
// length is the sum of the variant's segment durations.
func ManifestDuration(ctx context.Context, hc *http.Client, manifestURL string) (float64, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	pl, kind, err := fetchPlaylist(ctx, hc, manifestURL)
	if err != nil {
		return 0, err
	}
	if kind == m3u8.MASTER {
		master := pl.(*m3u8.MasterPlaylist)
		if len(master.Variants) == 0 {
			return 0, fmt.Errorf("playlist %s: master without variants", manifestURL)
		}
		ref, err := resolve(manifestURL, master.Variants[0].URI)
		if err != nil {
			return 0, err
		}
		if pl, kind, err = fetchPlaylist(ctx, hc, ref); err != nil {
			return 0, err
		}
		if kind != m3u8.MEDIA {
			return 0, fmt.Errorf("playlist %s: variant is not a media playlist", ref)
		}
	}

	media := pl.(*m3u8.MediaPlaylist)
	var total float64
	n := int(media.Count())
	for _, seg := range media.Segments[:n] {
		total += seg.Duration
	}
	if n == 0 {
		return 0, ErrNoSegments
	}
	return total, nil
}

func fetchPlaylist(ctx context.Context, hc *http.Client, u string) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("playlist %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("playlist %s: http %d", u, resp.StatusCode)
	}

	pl, kind, err := m3u8.DecodeFrom(bufio.NewReader(io.LimitReader(resp.Body, maxPlaylistBytes)), true)
	if err != nil {
		return nil, 0, fmt.Errorf("playlist %s: %w", u, err)
	}
	if kind != m3u8.MASTER && kind != m3u8.MEDIA {
		return nil, 0, fmt.Errorf("playlist %s: %w", u, ErrNoSegments)
	}
	return pl, kind, nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
