package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cwrk-planet/watch-party/internal/party/api"
	"github.com/cwrk-planet/watch-party/internal/party/chat"
	"github.com/cwrk-planet/watch-party/internal/party/playback"
	"github.com/cwrk-planet/watch-party/internal/party/resource"

	"github.com/mattn/go-shellwords"
)

type controller interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, position float64) error
	SeekBy(ctx context.Context, delta float64) error
	Snapshot() playback.Snapshot
}

type videoSlot interface {
	RequestUpload(ctx context.Context, f resource.File) error
	RequestDelete(ctx context.Context) error
	Current() resource.Resource
}

type chatSender interface {
	Send(ctx context.Context, text string) (chat.Message, error)
}

type historian interface {
	ChatHistory(ctx context.Context, roomID, after string, limit int) (api.ChatHistory, error)
}

var errUsage = errors.New("usage")

const help = `commands:
  say <text>       send a chat message
  play | pause     control playback for the room
  seek <sec>       jump to sec; +N / -N seeks relative
  upload <path>    upload a video as the room's movie
  delete           remove the room's movie
  history [n]      show the last n chat messages
  status           show playback and video state
  quit             leave the room`

type repl struct {
	roomID   string
	playback controller
	resource videoSlot
	chat     chatSender
	history  historian
	out      io.Writer

	uploads sync.WaitGroup
}

// exec runs one command line. quit reports that the user asked to leave.
func (r *repl) exec(ctx context.Context, line string) (quit bool, err error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return false, err
	}
	if len(args) == 0 {
		return false, nil
	}

	switch cmd, rest := strings.ToLower(args[0]), args[1:]; cmd {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(r.out, help)
	case "say":
		if len(rest) == 0 {
			return false, fmt.Errorf("%w: say <text>", errUsage)
		}
		_, err = r.chat.Send(ctx, strings.Join(rest, " "))
	case "play":
		err = r.playback.Play(ctx)
	case "pause":
		err = r.playback.Pause(ctx)
	case "seek":
		err = r.seek(ctx, rest)
	case "upload":
		if len(rest) != 1 {
			return false, fmt.Errorf("%w: upload <path>", errUsage)
		}
		err = r.upload(ctx, rest[0])
	case "delete":
		err = r.resource.RequestDelete(ctx)
	case "history":
		err = r.showHistory(ctx, rest)
	case "status":
		snap, res := r.playback.Snapshot(), r.resource.Current()
		fmt.Fprintf(r.out, "playback %s at %.1fs, video %s %s\n", snap.State, snap.Position, res.Status, res.ManifestURL)
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
	return false, err
}

func (r *repl) seek(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: seek <sec>", errUsage)
	}
	arg := args[0]
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return fmt.Errorf("seek: %q is not a number", arg)
	}
	if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
		return r.playback.SeekBy(ctx, v)
	}
	return r.playback.Seek(ctx, v)
}

// upload runs in the background so chat and playback stay usable; progress
// is reported through the resource listener.
func (r *repl) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	file := resource.File{Name: filepath.Base(path), Size: st.Size(), Body: f}
	if _, ok := resource.MediaType(file); !ok {
		f.Close()
		return fmt.Errorf("%w: %s", resource.ErrUnsupportedMedia, file.Name)
	}

	r.uploads.Add(1)
	go func() {
		defer r.uploads.Done()
		defer f.Close()
		if err := r.resource.RequestUpload(ctx, file); err != nil {
			fmt.Fprintf(r.out, "upload %s: %v\n", file.Name, err)
		}
	}()
	return nil
}

func (r *repl) showHistory(ctx context.Context, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: history [n]", errUsage)
		}
		limit = n
	}
	h, err := r.history.ChatHistory(ctx, r.roomID, "", limit)
	if err != nil {
		return err
	}
	// newest first on the wire
	for i := len(h.Items) - 1; i >= 0; i-- {
		m := h.Items[i]
		fmt.Fprintf(r.out, "%s <%s> %s\n", m.CreatedAt.Format("15:04:05"), m.Sender, m.Text)
	}
	return nil
}

func (r *repl) wait() { r.uploads.Wait() }

// syncWriter serializes writes from the REPL and the room listeners.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
