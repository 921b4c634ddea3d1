// Package resource coordinates the single shared video of a room through
// upload, conversion, publication and deletion.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

var (
	ErrResourceExists   = errors.New("resource: room already has a video")
	ErrUnsupportedMedia = errors.New("resource: unsupported media type")
	ErrFileTooLarge     = errors.New("resource: file too large")
	ErrUploadTarget     = errors.New("resource: upload target unavailable")
	ErrTransfer         = errors.New("resource: transfer failed")
	ErrConversion       = errors.New("resource: conversion failed")
	ErrSuperseded       = errors.New("resource: another member published a video first")
	ErrAbandoned        = errors.New("resource: upload abandoned")
	ErrNoResource       = errors.New("resource: no ready video to delete")
	ErrDeleteInProgress = errors.New("resource: delete already in progress")
	ErrDelete           = errors.New("resource: delete failed")
	ErrReconcile        = errors.New("resource: status query failed")
	// ErrBroadcast means the operation succeeded on the backend but the room
	// was not told; peers catch up on their next Reconcile.
	ErrBroadcast = errors.New("resource: broadcast failed")
)

type Status int

const (
	StatusAbsent Status = iota
	StatusUploading
	StatusConverting
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusUploading:
		return "uploading"
	case StatusConverting:
		return "converting"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

type Resource struct {
	Status      Status
	FileKey     string
	ManifestURL string
}

// Target is where the bytes of one upload go.
type Target struct {
	UploadURL string
	FileKey   string
}

// Backend is the upload target issuer and transcoder.
type Backend interface {
	UploadTarget(ctx context.Context, contentType string, size int64) (Target, error)
	Transfer(ctx context.Context, target Target, f File) error
	Convert(ctx context.Context, fileKey, roomID string) (manifestURL string, err error)
	// Current returns the room's video, StatusAbsent when there is none.
	Current(ctx context.Context, roomID string) (Resource, error)
	Delete(ctx context.Context, fileKey string) error
}

type Emitter interface {
	Emit(ctx context.Context, event protocol.Event, payload any) error
}

// Change is one transition of the room's resource.
type Change struct {
	Resource Resource
	// Remote is set when the transition came from the room or the backend
	// rather than from this client's own request.
	Remote bool
	Err    error
}

type Option func(*Coordinator)

func WithMaxBytes(n int64) Option {
	return func(c *Coordinator) { c.maxBytes = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

type Coordinator struct {
	roomID   string
	backend  Backend
	emitter  Emitter
	maxBytes int64
	log      *slog.Logger

	mu        sync.Mutex
	res       Resource
	gen       uint64
	cancel    context.CancelFunc
	endReason error
	deleting  bool
	listeners []func(Change)
}

func NewCoordinator(roomID string, backend Backend, emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		roomID:   roomID,
		backend:  backend,
		emitter:  emitter,
		maxBytes: DefaultMaxBytes,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "resource", "room", roomID)
	return c
}

func (c *Coordinator) OnChange(fn func(Change)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Coordinator) Current() Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}

// RequestUpload runs upload, transfer and conversion for f and publishes the
// result to the room. It fails fast with ErrResourceExists unless the room
// has no video.
func (c *Coordinator) RequestUpload(ctx context.Context, f File) error {
	c.mu.Lock()
	if c.res.Status != StatusAbsent {
		c.mu.Unlock()
		return ErrResourceExists
	}
	contentType, ok := MediaType(f)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnsupportedMedia, f.Name)
	}
	if f.Size > c.maxBytes {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, f.Size, c.maxBytes)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.res = Resource{Status: StatusUploading}
	c.mu.Unlock()

	c.notify(Change{Resource: Resource{Status: StatusUploading}})
	c.log.Info("upload started", "file", f.Name, "size", f.Size, "content_type", contentType)

	target, err := c.backend.UploadTarget(ctx, contentType, f.Size)
	if err != nil {
		return c.fail(gen, ErrUploadTarget, err)
	}
	if !c.advance(gen, Resource{Status: StatusUploading, FileKey: target.FileKey}) {
		return c.stopped()
	}

	if err := c.backend.Transfer(ctx, target, f); err != nil {
		return c.fail(gen, ErrTransfer, err)
	}
	if !c.advance(gen, Resource{Status: StatusConverting, FileKey: target.FileKey}) {
		return c.stopped()
	}
	c.log.Info("upload transferred, converting", "file_key", target.FileKey)

	manifest, err := c.backend.Convert(ctx, target.FileKey, c.roomID)
	if err != nil {
		return c.fail(gen, ErrConversion, err)
	}
	ready := Resource{Status: StatusReady, FileKey: target.FileKey, ManifestURL: manifest}
	if !c.advance(gen, ready) {
		return c.stopped()
	}
	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
	c.log.Info("video ready", "file_key", target.FileKey, "manifest", manifest)

	err = c.emitter.Emit(ctx, protocol.EventMovieReady, protocol.MoviePayload{
		RoomID:  c.roomID,
		HLSURL:  manifest,
		FileKey: target.FileKey,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	return nil
}

// RequestDelete removes the room's ready video and tells the room.
func (c *Coordinator) RequestDelete(ctx context.Context) error {
	c.mu.Lock()
	if c.res.Status != StatusReady {
		c.mu.Unlock()
		return ErrNoResource
	}
	if c.deleting {
		c.mu.Unlock()
		return ErrDeleteInProgress
	}
	c.deleting = true
	key := c.res.FileKey
	c.mu.Unlock()

	err := c.backend.Delete(ctx, key)

	c.mu.Lock()
	c.deleting = false
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("delete failed", "file_key", key, "err", err)
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}
	changed := c.res.Status == StatusReady && c.res.FileKey == key
	if changed {
		c.res = Resource{}
	}
	c.mu.Unlock()

	if changed {
		c.notify(Change{Resource: Resource{}})
	}
	c.log.Info("video deleted", "file_key", key)

	err = c.emitter.Emit(ctx, protocol.EventMovieDeleted, protocol.MoviePayload{RoomID: c.roomID, FileKey: key})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	return nil
}

// Reconcile adopts the backend's view of the room's video. An upload of our
// own in flight is kept unless the backend already has a ready video.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	remote, err := c.backend.Current(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReconcile, err)
	}
	if remote.Status != StatusReady {
		remote = Resource{}
	}
	c.adopt(remote, "reconcile")
	return nil
}

// HandleReady is the channel handler for movie_ready.
func (c *Coordinator) HandleReady(env protocol.Envelope) {
	var p protocol.MoviePayload
	if err := env.Decode(&p); err != nil || p.RoomID != c.roomID || p.HLSURL == "" {
		return
	}
	c.adopt(Resource{Status: StatusReady, FileKey: p.FileKey, ManifestURL: p.HLSURL}, "movie_ready")
}

// HandleDeleted is the channel handler for movie_deleted.
func (c *Coordinator) HandleDeleted(env protocol.Envelope) {
	var p protocol.MoviePayload
	if err := env.Decode(&p); err != nil || p.RoomID != c.roomID {
		return
	}

	c.mu.Lock()
	if c.res.Status != StatusReady || (p.FileKey != "" && p.FileKey != c.res.FileKey) {
		c.mu.Unlock()
		return
	}
	c.res = Resource{}
	c.mu.Unlock()

	c.log.Info("video deleted by peer", "file_key", p.FileKey)
	c.notify(Change{Resource: Resource{}, Remote: true})
}

// Abandon cancels an upload in flight and frees the local guard without
// telling the room.
func (c *Coordinator) Abandon() {
	c.mu.Lock()
	if c.res.Status != StatusUploading && c.res.Status != StatusConverting {
		c.mu.Unlock()
		return
	}
	c.stopLocked(ErrAbandoned)
	c.res = Resource{}
	c.mu.Unlock()

	c.notify(Change{Resource: Resource{}, Err: ErrAbandoned})
}

func (c *Coordinator) adopt(remote Resource, source string) {
	c.mu.Lock()
	inFlight := c.res.Status == StatusUploading || c.res.Status == StatusConverting
	switch {
	case inFlight && remote.Status != StatusReady:
		c.mu.Unlock()
		return
	case inFlight:
		c.log.Warn("own upload superseded", "source", source, "file_key", remote.FileKey)
		c.stopLocked(ErrSuperseded)
	case c.res == remote:
		c.mu.Unlock()
		return
	}
	c.res = remote
	c.mu.Unlock()

	c.notify(Change{Resource: remote, Remote: true})
}

// stopLocked ends the upload of the current generation with reason.
func (c *Coordinator) stopLocked(reason error) {
	c.gen++
	c.endReason = reason
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// advance moves the upload of generation gen to r, reporting false when that
// upload has already been stopped.
func (c *Coordinator) advance(gen uint64, r Resource) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	prev := c.res.Status
	c.res = r
	c.mu.Unlock()

	if prev != r.Status {
		c.notify(Change{Resource: r})
	}
	return true
}

func (c *Coordinator) stopped() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endReason == nil {
		return ErrAbandoned
	}
	return c.endReason
}

func (c *Coordinator) fail(gen uint64, kind, cause error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.stopped()
	}
	c.gen++
	c.cancel = nil
	c.res = Resource{}
	c.mu.Unlock()

	err := fmt.Errorf("%w: %w", kind, cause)
	c.log.Warn("upload failed", "err", err)
	c.notify(Change{Resource: Resource{}, Err: err})
	return err
}

func (c *Coordinator) notify(ch Change) {
	c.mu.Lock()
	ls := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range ls {
		fn(ch)
	}
}
