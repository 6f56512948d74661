package models

import "time"

// Peer represents a remote host known to this instance.
type Peer struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"hostname"`
	UserLabel   string    `json:"username"`
	LastSeen    time.Time `json:"timestamp"`
	Discovered  bool      `json:"discovered"`
	Busy        bool      `json:"busy"`
}
