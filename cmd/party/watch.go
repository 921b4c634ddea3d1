package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cwrk-planet/watch-party/internal/party"
	"github.com/cwrk-planet/watch-party/internal/party/channel"
	"github.com/cwrk-planet/watch-party/internal/party/chat"
	"github.com/cwrk-planet/watch-party/internal/party/playback"
	"github.com/cwrk-planet/watch-party/internal/party/resource"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room-id>",
		Short: "Register as a participant and enter the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString(nameKey) == "" {
				return errors.New("join needs --name (or PARTY_NAME)")
			}
			return watch(cmd, args[0], true)
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <room-id>",
		Short: "Enter the room without registering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd, args[0], false)
		},
	}
}

func watch(cmd *cobra.Command, roomID string, join bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	out := &syncWriter{w: cmd.OutOrStdout()}
	in := bufio.NewReader(cmd.InOrStdin())

	s, err := party.Open(ctx, party.Deps{Registry: c, Backend: c, Player: playback.NewClockPlayer()}, party.Options{
		RoomID:         roomID,
		Name:           viper.GetString(nameKey),
		Join:           join,
		ChannelURL:     channelOrigin(),
		ManifestClient: &http.Client{Timeout: viper.GetDuration(timeoutKey)},
	})
	if errors.Is(err, party.ErrPending) {
		err = retryPending(ctx, s, err, in, out)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	follow(s, out)

	r := &repl{
		roomID:   s.RoomID(),
		playback: s.Playback(),
		resource: s.Resource(),
		chat:     s.Chat(),
		history:  c,
		out:      out,
	}
	fmt.Fprintf(out, "in room %s as %s; type help for commands\n", s.RoomID(), s.Name())
	return r.run(ctx, in)
}

type starter interface {
	Start(ctx context.Context) error
	Close() error
}

// retryPending lets the user retry a room check that could not reach the
// registry. Giving up closes s and returns the last error.
func retryPending(ctx context.Context, s starter, err error, in *bufio.Reader, out io.Writer) error {
	for errors.Is(err, party.ErrPending) {
		fmt.Fprintf(out, "room check pending: %v\npress enter to retry, or type quit\n", err)
		if !awaitRetry(ctx, in) {
			_ = s.Close()
			return err
		}
		err = s.Start(ctx)
	}
	if err != nil {
		_ = s.Close()
	}
	return err
}

// awaitRetry reads one line; quit, end of input or ctx cancellation give up.
func awaitRetry(ctx context.Context, in *bufio.Reader) bool {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := in.ReadString('\n')
		ch <- answer{line, err}
	}()
	select {
	case <-ctx.Done():
		return false
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return false
		}
		cmd := strings.ToLower(strings.TrimSpace(a.line))
		return cmd != "quit" && cmd != "exit"
	}
}

// follow prints what happens in the room.
func follow(s *party.Session, out io.Writer) {
	s.Chat().OnAppend(func(m chat.Message) {
		if !m.Self {
			fmt.Fprintf(out, "<%s> %s\n", m.Sender, m.Text)
		}
	})
	s.Playback().OnChange(func(snap playback.Snapshot) {
		fmt.Fprintf(out, "* playback %s at %.1fs\n", snap.State, snap.Position)
	})
	s.Resource().OnChange(func(ch resource.Change) {
		switch {
		case ch.Err != nil:
			fmt.Fprintf(out, "* video %s: %v\n", ch.Resource.Status, ch.Err)
		case ch.Resource.Status == resource.StatusReady:
			fmt.Fprintf(out, "* video ready: %s\n", ch.Resource.ManifestURL)
		default:
			fmt.Fprintf(out, "* video %s\n", ch.Resource.Status)
		}
	})
	s.Channel().OnStateChange(func(st channel.State) {
		fmt.Fprintf(out, "* channel %s\n", st)
	})
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	// Leaving the room cancels uploads still in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wait()
	}()
	for {
		fmt.Fprint(r.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
