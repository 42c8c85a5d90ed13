package config

import "github.com/pion/webrtc/v4"

// STUN servers for ICE candidate gathering. Public Google pool.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
}

// TURNServer is one static TURN relay entry supplied via configuration.
// No TURN server is implemented here; these are plain pass-through entries.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// ICEConfiguration builds the fixed webrtc.Configuration every peer
// connection in a session uses: the STUN pool plus any configured TURN relays.
func ICEConfiguration(turn []TURNServer) webrtc.Configuration {
	servers := []webrtc.ICEServer{{URLs: stunServers}}
	for _, t := range turn {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
