// Huddle — terminal client for huddled rooms.
//
// The client creates or joins a room on a huddled signaling server, then
// negotiates direct WebRTC connections with every other participant. It is a
// headless peer: it publishes placeholder tracks and renders the connection
// table instead of video.
package main

import (
	"os"

	"github.com/openhuddle/huddle/internal/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
