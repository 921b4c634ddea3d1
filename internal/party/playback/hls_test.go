package playback

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestManifestDurationFollowsFirstVariant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hls/r1/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\n720p/index.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n360p/index.m3u8\n"))
	})
	mux.HandleFunc("/hls/r1/720p/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:6\n" +
			"#EXTINF:6.000,\nseg0.ts\n#EXTINF:6.000,\nseg1.ts\n#EXTINF:2.5,\nseg2.ts\n#EXT-X-ENDLIST\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := ManifestDuration(context.Background(), srv.Client(), srv.URL+"/hls/r1/master.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(d-14.5) > 1e-9 {
		t.Fatalf("duration = %v, want 14.5", d)
	}

	d, err = ManifestDuration(context.Background(), srv.Client(), srv.URL+"/hls/r1/720p/index.m3u8")
	if err != nil || math.Abs(d-14.5) > 1e-9 {
		t.Fatalf("media playlist: %v, %v", d, err)
	}
}

func TestManifestDurationErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/empty.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	})
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	if _, err := ManifestDuration(ctx, srv.Client(), srv.URL+"/empty.m3u8"); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("empty playlist: %v", err)
	}
	if _, err := ManifestDuration(ctx, srv.Client(), srv.URL+"/html"); err == nil {
		t.Fatal("non-playlist accepted")
	}
	if _, err := ManifestDuration(ctx, srv.Client(), srv.URL+"/missing.m3u8"); err == nil {
		t.Fatal("404 accepted")
	}
}
