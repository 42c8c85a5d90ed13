package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pterm/pterm"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/directory"
	"github.com/openhuddle/huddle/internal/media"
	"github.com/openhuddle/huddle/internal/registry"
	"github.com/openhuddle/huddle/internal/room"
	"github.com/openhuddle/huddle/internal/session"
	"github.com/openhuddle/huddle/internal/util"
)

const renderInterval = 2 * time.Second

// runSession joins the room and blocks until interrupted or the room ends,
// rendering the peer connection table as it changes.
func runSession(ctx context.Context, flags *rootFlags, dir directory.Client, self room.User, roomID string) error {
	audio, video, err := media.PlaceholderTracks()
	if err != nil {
		return fmt.Errorf("build local tracks: %w", err)
	}

	cfg := config.Client{
		ServerURL: flags.server,
		UserID:    self.ID,
		UserName:  self.Name,
		AvatarURL: self.AvatarURL,
	}

	sess, err := session.Join(ctx, dir, cfg, self, roomID, session.Options{
		Media: media.NewStaticSource(audio, video),
	})
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	defer sess.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("in room — waiting for peers (Ctrl+C to leave)")

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			util.LogInfo("leaving room")
			return nil
		case <-sess.Done():
			util.LogInfo("room ended")
			return nil
		case <-ticker.C:
			if view := renderPeers(sess); view != last {
				pterm.Println(view)
				last = view
			}
		}
	}
}

// renderPeers formats the registry snapshot as a small status table.
func renderPeers(sess *session.Session) string {
	peers := sess.Peers()
	if len(peers) == 0 {
		return fmt.Sprintf("status: %s | no peers", sess.Status())
	}

	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := pterm.TableData{{"Peer", "Role", "State", "Tracks", "Since"}}
	for _, id := range ids {
		e := peers[id]
		rows = append(rows, []string{
			peerLabel(e),
			string(e.Role),
			e.State.String(),
			fmt.Sprintf("%d", len(e.Tracks)),
			e.Since.Format("15:04:05"),
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return fmt.Sprintf("status: %s | %d peers", sess.Status(), len(peers))
	}
	return fmt.Sprintf("status: %s\n%s", sess.Status(), table)
}

func peerLabel(e registry.Entry) string {
	if e.Meta.Name != "" {
		return fmt.Sprintf("%s (%s)", e.Meta.Name, shortID(e.RemoteID))
	}
	return shortID(e.RemoteID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
