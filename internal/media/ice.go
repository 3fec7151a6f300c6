package media

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// ICEServer represents a STUN/TURN server configuration
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// PeerConfig holds peer-connection configuration
type PeerConfig struct {
	STUNURLs     []string // e.g., ["stun:stun.l.google.com:19302"]
	TURNURLs     []string // e.g., ["turn:your-server:3478"]
	TURNUsername string
	TURNPassword string

	// ICE agent timeouts. Zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates (same-host peers).
	IncludeLoopback bool
}

// ICEServers returns the configured STUN/TURN servers
func (c *PeerConfig) ICEServers() []ICEServer {
	servers := make([]ICEServer, 0, 2)

	if len(c.STUNURLs) > 0 {
		servers = append(servers, ICEServer{URLs: c.STUNURLs})
	}

	if len(c.TURNURLs) > 0 && c.TURNUsername != "" {
		servers = append(servers, ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}

	return servers
}

// PionICEServers converts ICEServers for pion.
func (c *PeerConfig) PionICEServers() []webrtc.ICEServer {
	servers := c.ICEServers()
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ps := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ps.Username = s.Username
			ps.Credential = s.Credential
			ps.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ps)
	}
	return out
}
