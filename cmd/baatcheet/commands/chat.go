package commands

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"baatcheet/client"
	"baatcheet/models"

	"github.com/spf13/cobra"
)

const connectTimeout = 30 * time.Second

func dmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <username>",
		Short: "Open (or reuse) a direct room with another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			resp, err := a.api.StartDirect(cmd.Context(), models.StartDirectRequest{TargetUsername: args[0]})
			if err != nil {
				return err
			}
			state := "created"
			if resp.Reused {
				state = "reused"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Room:            %s (%s)\n", resp.RoomID, state)
			return nil
		},
	}
}

// connected opens a session and its socket channel.
func (a *app) connected(ctx context.Context, mediaDownloads bool) (*client.Session, error) {
	s, err := a.session(mediaDownloads)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.Connect(dialCtx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func sendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <roomId> <message...>",
		Short: "Encrypt and send a message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.connected(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func sendFileCmd(a *app) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "send-file <roomId> <path>",
		Short: "Encrypt a file, upload it and send it to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if contentType == "" {
				contentType = detectContentType(args[1], data)
			}

			s, err := a.connected(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.SendFile(cmd.Context(), args[0], contentType, data)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "type", "", "MIME type (default detected from name and content)")
	return cmd
}

func detectContentType(path string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

func historyCmd(a *app) *cobra.Command {
	var limit int
	var before string
	cmd := &cobra.Command{
		Use:   "history <roomId>",
		Short: "Fetch and decrypt a page of room history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cursor, err := parseBefore(before)
			if err != nil {
				return err
			}
			s, err := a.session(false)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.LoadHistory(cmd.Context(), args[0], cursor, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				printEntry(cmd.OutOrStdout(), e)
			}
			if len(entries) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "next page: --before %d\n", entries[0].CreatedAt.UnixMilli())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (relay default when 0)")
	cmd.Flags().StringVar(&before, "before", "", "only messages older than this (epoch ms or RFC 3339)")
	return cmd
}

func parseBefore(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --before %q", raw)
	}
	return t, nil
}

func listenCmd(a *app) *cobra.Command {
	var backlog int
	cmd := &cobra.Command{
		Use:   "listen [roomId...]",
		Short: "Print messages as they arrive until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connected(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			printed := make(map[string]bool)
			for _, roomID := range args {
				if err := s.JoinRoom(ctx, roomID); err != nil {
					return fmt.Errorf("join %s: %w", roomID, err)
				}
				if backlog > 0 {
					entries, err := s.LoadHistory(ctx, roomID, time.Time{}, backlog)
					if err != nil {
						fmt.Fprintf(out, "[%s] %s: failed to load history\n", roomID, client.SystemAlias)
						a.log.Debugf("History for %s failed: %v", roomID, err)
					}
					for _, e := range entries {
						printed[e.ID] = true
						printEntry(out, e)
					}
				}
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case u := <-s.Updates():
					// Media entries are printed again once downloaded.
					if printed[u.Entry.ID] && u.Entry.MediaPath == "" && u.Entry.MediaErr == "" {
						continue
					}
					printed[u.Entry.ID] = true
					printEntry(out, u.Entry)
				}
			}
		},
	}
	cmd.Flags().IntVar(&backlog, "backlog", 20, "history entries to print per room before listening")
	return cmd
}

func printEntry(w io.Writer, e client.Entry) {
	stamp := e.CreatedAt.Local().Format("15:04:05")
	switch {
	case e.System:
		fmt.Fprintf(w, "%s [%s] %s: %s\n", stamp, e.RoomID, e.Alias, e.Text)
	case e.Media != nil:
		status := "downloading"
		switch {
		case e.MediaErr != "":
			status = e.MediaErr
		case e.MediaPath != "":
			status = e.MediaPath
		}
		fmt.Fprintf(w, "%s [%s] %s: <%s> %s\n", stamp, e.RoomID, e.Alias, e.Media.Mime, status)
	default:
		fmt.Fprintf(w, "%s [%s] %s: %s\n", stamp, e.RoomID, e.Alias, e.Text)
	}
}

func printReport(w io.Writer, r client.SendReport) {
	fmt.Fprintf(w, "sent %s\n", r.ID)
	for _, m := range r.Unreachable {
		fmt.Fprintf(w, "warning: %s has no published key and cannot read this message\n", m.Alias)
	}
}
