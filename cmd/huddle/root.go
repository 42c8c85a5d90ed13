package main

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/util"
)

var version = "dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	server   string
	userName string
	avatar   string
	debug    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Terminal client for huddled video rooms",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.debug {
				util.EnableDebug()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.server, "server", "ws://127.0.0.1:8484/ws", "huddled WebSocket URL")
	cmd.PersistentFlags().StringVar(&flags.userName, "user-name", "", "display name (random when empty)")
	cmd.PersistentFlags().StringVar(&flags.avatar, "avatar", "", "avatar URL shared with peers")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newCreateCmd(flags))
	cmd.AddCommand(newJoinCmd(flags))
	cmd.AddCommand(newRoomsCmd(flags))
	return cmd
}

// identity builds this process's user record. Each run gets a fresh id;
// reconnecting as the same person is a matter of the display name only.
func (f *rootFlags) identity() room.User {
	name := f.userName
	if name == "" {
		name = fmt.Sprintf("guest-%04d", rand.Intn(10000))
	}
	return room.User{
		ID:        uuid.NewString(),
		Name:      name,
		AvatarURL: f.avatar,
	}
}
