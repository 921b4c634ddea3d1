package service

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/cwrk-planet/watch-party/internal/domain"
	"github.com/cwrk-planet/watch-party/internal/transcode"

	"github.com/google/uuid"
)

const uploadKeyPrefix = "uploads/"

type VideoStore interface {
	Reserve(ctx context.Context, roomID, fileKey string) (*domain.Video, error)
	MarkReady(ctx context.Context, roomID, fileKey, hlsURL string) error
	Release(ctx context.Context, roomID, fileKey string) error
	GetReady(ctx context.Context, roomID string) (*domain.Video, error)
	DeleteByKey(ctx context.Context, fileKey string) (*domain.Video, error)
}

type ObjectStore interface {
	GenerateUploadURL(ctx context.Context, key, contentType string, contentLength int64, expiry time.Duration) (string, error)
	KeyFromURL(raw string) (string, error)
	DeleteObject(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

type Converter interface {
	Convert(ctx context.Context, roomID, fileKey string) (string, error)
}

var uploadExts = map[string]string{
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/quicktime":  ".mov",
	"video/x-matroska": ".mkv",
	"video/x-msvideo":  ".avi",
}

type VideoOptions struct {
	MaxUploadBytes int64
	UploadExpiry   time.Duration
	// ConvertTimeout bounds one transcode independently of the caller.
	ConvertTimeout time.Duration
	NewKey         func(ext string) string
}

type VideoService struct {
	videos    VideoStore
	rooms     RoomStore
	objects   ObjectStore
	converter Converter
	opts      VideoOptions
}

func NewVideoService(videos VideoStore, rooms RoomStore, objects ObjectStore, converter Converter, opts VideoOptions) *VideoService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 500 << 20
	}
	if opts.UploadExpiry <= 0 {
		opts.UploadExpiry = 15 * time.Minute
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = 15 * time.Minute
	}
	if opts.NewKey == nil {
		opts.NewKey = func(ext string) string { return uploadKeyPrefix + uuid.NewString() + ext }
	}
	return &VideoService{videos: videos, rooms: rooms, objects: objects, converter: converter, opts: opts}
}

// UploadURL issues a one-shot presigned PUT target for a source video.
func (s *VideoService) UploadURL(ctx context.Context, contentType string, size int64) (string, string, error) {
	var ext string
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return "", "", domain.ErrUnsupportedMedia
		}
		e, ok := uploadExts[mt]
		if !ok {
			return "", "", domain.ErrUnsupportedMedia
		}
		contentType, ext = mt, e
	}
	if size > s.opts.MaxUploadBytes {
		return "", "", domain.ErrFileTooLarge
	}

	key := s.opts.NewKey(ext)
	url, err := s.objects.GenerateUploadURL(ctx, key, contentType, size, s.opts.UploadExpiry)
	if err != nil {
		return "", "", err
	}
	return url, key, nil
}

// Process converts an uploaded file into the room's video. The room's slot is
// claimed first, so a second upload into an occupied room fails with
// domain.ErrVideoExists before any transcoding starts.
func (s *VideoService) Process(ctx context.Context, roomID, movieURL, fileKey string) (*domain.Video, error) {
	roomID, ok := domain.NormalizeRoomID(roomID)
	if !ok {
		return nil, domain.ErrInvalidRoomID
	}
	key, err := s.resolveKey(movieURL, fileKey)
	if err != nil {
		return nil, err
	}

	exists, err := s.rooms.Exists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	video, err := s.videos.Reserve(ctx, roomID, key)
	if err != nil {
		return nil, err
	}
	log := slog.With("room_id", roomID, "file_key", key)

	convCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ConvertTimeout)
	defer cancel()

	hlsURL, err := s.converter.Convert(convCtx, roomID, key)
	if err != nil {
		log.Error("video.Process: convert failed", slog.Any("err", err))
		if rerr := s.videos.Release(convCtx, roomID, key); rerr != nil {
			log.Error("video.Process: release slot failed", slog.Any("err", rerr))
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTranscode, err)
	}

	if err := s.videos.MarkReady(convCtx, roomID, key, hlsURL); err != nil {
		// The slot was released under us; drop the orphaned renditions.
		s.removeObjects(convCtx, roomID, key)
		return nil, err
	}

	video.HLSURL = hlsURL
	video.Status = domain.VideoReady
	log.Info("video.Process: ready", "hls_url", hlsURL)
	return video, nil
}

func (s *VideoService) resolveKey(movieURL, fileKey string) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(fileKey), "/")
	if key == "" {
		if strings.TrimSpace(movieURL) == "" {
			return "", domain.ErrInvalidObject
		}
		k, err := s.objects.KeyFromURL(movieURL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidObject, err)
		}
		key = k
	}
	if !strings.HasPrefix(key, uploadKeyPrefix) || strings.Contains(key, "..") {
		return "", domain.ErrInvalidObject
	}
	return key, nil
}

// Status returns the room's ready video or domain.ErrVideoNotFound.
func (s *VideoService) Status(ctx context.Context, roomID string) (*domain.Video, error) {
	roomID, ok := domain.NormalizeRoomID(roomID)
	if !ok {
		return nil, domain.ErrInvalidRoomID
	}
	return s.videos.GetReady(ctx, roomID)
}

// Delete frees the slot holding fileKey and removes its objects. Object
// removal is best effort once the slot is gone.
func (s *VideoService) Delete(ctx context.Context, fileKey string) (*domain.Video, error) {
	fileKey = strings.TrimLeft(strings.TrimSpace(fileKey), "/")
	if fileKey == "" {
		return nil, domain.ErrInvalidObject
	}
	video, err := s.videos.DeleteByKey(ctx, fileKey)
	if err != nil {
		return nil, err
	}
	s.removeObjects(ctx, video.RoomID, video.FileKey)
	return video, nil
}

func (s *VideoService) removeObjects(ctx context.Context, roomID, fileKey string) {
	log := slog.With("room_id", roomID, "file_key", fileKey)
	if err := s.objects.DeleteObject(ctx, fileKey); err != nil {
		log.Warn("video: delete source failed", slog.Any("err", err))
	}
	if err := s.objects.DeletePrefix(ctx, transcode.Prefix(roomID, fileKey)+"/"); err != nil {
		log.Warn("video: delete renditions failed", slog.Any("err", err))
	}
}
