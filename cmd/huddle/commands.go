package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/util"
)

func newCreateCmd(flags *rootFlags) *cobra.Command {
	var name string
	var max int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room and wait for peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			self := flags.identity()
			if name == "" {
				name = fmt.Sprintf("%s's huddle", self.Name)
			}

			dir, err := directory.Dial(ctx, flags.server)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", flags.server, err)
			}
			defer dir.Close()

			r, err := dir.CreateRoom(ctx, room.Config{Name: name, MaxParticipants: max}, self)
			if err != nil {
				return fmt.Errorf("create room: %w", err)
			}

			util.LogSuccess("room %q created — share code %s", r.Name, r.Code)
			return runSession(ctx, flags, dir, self, r.ID)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "room name")
	cmd.Flags().IntVar(&max, "max", room.MaxParticipants, "participant capacity (2-10)")
	return cmd
}

func newJoinCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a room by its 6-digit code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			self := flags.identity()

			dir, err := directory.Dial(ctx, flags.server)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", flags.server, err)
			}
			defer dir.Close()

			r, err := dir.RoomByCode(ctx, args[0])
			if err != nil {
				return fmt.Errorf("look up room %s: %w", args[0], err)
			}

			util.LogInfo("joining %q hosted by %s", r.Name, r.HostName)
			return runSession(ctx, flags, dir, self, r.ID)
		},
	}
	return cmd
}

func newRoomsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List active rooms on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			dir, err := directory.Dial(ctx, flags.server)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", flags.server, err)
			}
			defer dir.Close()

			rooms, err := dir.ActiveRooms(ctx)
			if err != nil {
				return fmt.Errorf("list rooms: %w", err)
			}
			if len(rooms) == 0 {
				util.LogInfo("no active rooms")
				return nil
			}

			rows := pterm.TableData{{"Code", "Name", "Host", "Participants", "Status"}}
			for _, r := range rooms {
				rows = append(rows, []string{
					r.Code,
					r.Name,
					r.HostName,
					fmt.Sprintf("%d/%d", r.CurrentParticipants, r.MaxParticipants),
					string(r.Status),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	return cmd
}
