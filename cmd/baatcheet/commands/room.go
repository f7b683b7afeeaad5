package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"baatcheet/models"

	"github.com/spf13/cobra"
)

func roomCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Create, join and administer rooms",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			return a.requireLogin()
		},
	}
	cmd.AddCommand(
		roomCreateCmd(a),
		roomJoinCmd(a),
		roomApproveCmd(a),
		roomDenyCmd(a),
		roomListCmd(a),
		roomInfoCmd(a),
		roomMembersCmd(a),
	)
	return cmd
}

func roomCreateCmd(a *app) *cobra.Command {
	var phrase string
	var minutes int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group room you administer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.CreateRoom(cmd.Context(), models.CreateRoomRequest{
				CodePhrase:      phrase,
				DurationMinutes: minutes,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Room:            %s\n", resp.RoomID)
			fmt.Fprintf(out, "Alias:           %s\n", resp.Alias)
			if resp.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires:         %s\n", resp.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&phrase, "phrase", "", "code phrase shared out of band; shown to you on join requests")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "room lifetime in minutes (0 never expires)")
	return cmd
}

func roomJoinCmd(a *app) *cobra.Command {
	var phrase, note string
	cmd := &cobra.Command{
		Use:   "join <roomId>",
		Short: "Ask to join a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.JoinRoom(cmd.Context(), models.JoinRequest{
				RoomID:     args[0],
				CodePhrase: phrase,
				JoinNote:   note,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", resp.Message, resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&phrase, "phrase", "", "the room's code phrase")
	cmd.Flags().StringVar(&note, "note", "", "note for the room admin")
	return cmd
}

func roomApproveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <roomId> <memberId>",
		Short: "Approve a pending member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.Approve(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Message, resp.Alias)
			return nil
		},
	}
}

func roomDenyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deny <roomId> <memberId>",
		Short: "Deny a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.Deny(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func roomListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.MyRooms(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROOM\tTYPE\tMEMBERS\tEXPIRES")
			for _, room := range resp.Rooms {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", room.RoomID, room.Type, len(room.Members), expiry(room.ExpiresAt))
			}
			return w.Flush()
		},
	}
}

func roomInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <roomId>",
		Short: "Show members and pending requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.RoomInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Room:            %s\n", resp.RoomID)
			fmt.Fprintf(out, "Admin:           %t\n", resp.IsAdmin)
			fmt.Fprintf(out, "Expires:         %s\n", expiry(resp.ExpiresAt))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MEMBER\tALIAS\tSTATUS\tNOTE")
			for _, m := range resp.Members {
				note := ""
				if m.JoinNote != nil {
					note = *m.JoinNote
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.UserID, m.Alias, m.Status, note)
			}
			return w.Flush()
		},
	}
}

func roomMembersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "members <roomId>",
		Short: "List approved members and whether they can receive messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.api.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MEMBER\tALIAS\tKEY")
			for _, m := range resp.Members {
				key := "missing"
				if m.PublicKey != nil && *m.PublicKey != "" {
					key = "published"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, m.Alias, key)
			}
			return w.Flush()
		},
	}
}

func expiry(at *time.Time) string {
	if at == nil {
		return "never"
	}
	return at.Local().Format(time.RFC1123)
}
