// Package media abstracts the local audio/video tracks a session attaches
// to its peer connections. Capture itself happens elsewhere; the session
// only ever asks for the current tracks snapshot.
package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Source provides the current local tracks. The snapshot is re-read every
// time a peer connection is created; all connections share the same track
// objects read-only.
type Source interface {
	Snapshot() []webrtc.TrackLocal
}

// StaticSource holds at most one audio and one video track with independent
// enable toggles and replace semantics.
type StaticSource struct {
	mu      sync.Mutex
	audio   webrtc.TrackLocal
	video   webrtc.TrackLocal
	audioOn bool
	videoOn bool
}

// NewStaticSource creates a source from the given tracks. Either may be nil.
// Present tracks start enabled.
func NewStaticSource(audio, video webrtc.TrackLocal) *StaticSource {
	return &StaticSource{
		audio:   audio,
		video:   video,
		audioOn: audio != nil,
		videoOn: video != nil,
	}
}

// Snapshot returns the currently enabled tracks.
func (s *StaticSource) Snapshot() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []webrtc.TrackLocal
	if s.audioOn && s.audio != nil {
		out = append(out, s.audio)
	}
	if s.videoOn && s.video != nil {
		out = append(out, s.video)
	}
	return out
}

// SetAudioEnabled toggles the audio track in and out of the snapshot.
func (s *StaticSource) SetAudioEnabled(on bool) {
	s.mu.Lock()
	s.audioOn = on
	s.mu.Unlock()
}

// SetVideoEnabled toggles the video track in and out of the snapshot.
func (s *StaticSource) SetVideoEnabled(on bool) {
	s.mu.Lock()
	s.videoOn = on
	s.mu.Unlock()
}

// ReplaceVideo swaps the video track, e.g. for a camera/screen switch.
// Already-established connections keep the old track; new connections pick
// up the replacement.
func (s *StaticSource) ReplaceVideo(track webrtc.TrackLocal) {
	s.mu.Lock()
	s.video = track
	s.videoOn = track != nil
	s.mu.Unlock()
}

// PlaceholderTracks builds an Opus audio and a VP8 video sample track that
// carry no samples. They let a session negotiate sendable media without
// capture hardware; the CLI uses them.
func PlaceholderTracks() (audio, video webrtc.TrackLocal, err error) {
	id := uuid.NewString()
	a, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "huddle-"+id)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio track: %w", err)
	}
	v, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "huddle-"+id)
	if err != nil {
		return nil, nil, fmt.Errorf("create video track: %w", err)
	}
	return a, v, nil
}
