package resource

import (
	"io"
	"mime"
	"path/filepath"
	"strings"
)

const DefaultMaxBytes int64 = 500 << 20

// File is a local video offered for upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

var mediaTypes = map[string]struct{}{
	"video/mp4":        {},
	"video/webm":       {},
	"video/quicktime":  {},
	"video/x-matroska": {},
	"video/x-msvideo":  {},
}

var extTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// MediaType resolves the upload content type from the declared type, falling
// back to the file extension. It returns false for anything that is not a
// supported video container.
func MediaType(f File) (string, bool) {
	if f.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(f.ContentType); err == nil {
			if _, ok := mediaTypes[mt]; ok {
				return mt, true
			}
		}
	}
	if mt, ok := extTypes[strings.ToLower(filepath.Ext(f.Name))]; ok {
		return mt, true
	}
	return "", false
}
