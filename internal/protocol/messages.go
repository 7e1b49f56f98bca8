package protocol

// SUBSCRIBE (client -> server). First message on the event stream; may be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Progress opts in to region_load_progress events.
	Progress bool `json:"progress,omitempty"`
	// Regions limits events to these ids. Empty means all.
	Regions []string `json:"regions,omitempty"`
}

// POSITION (client -> server). Moves the streaming observer.
type PositionMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	Kind            string  `json:"kind"`
	RegionID        string  `json:"region_id"`
	Fraction        float64 `json:"fraction,omitempty"`
	Error           string  `json:"error,omitempty"`
	At              string  `json:"at"`
}

// ERROR (server -> client, and HTTP error bodies)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

type RegionStatus struct {
	ID          string     `json:"id"`
	ResourceRef string     `json:"resource_ref"`
	Center      [3]float64 `json:"center"`
	State       string     `json:"state"`
	Distance    float64    `json:"distance"`
	Progress    float64    `json:"progress"`
	Handles     int        `json:"handles"`
	Loading     bool       `json:"loading,omitempty"`
	Unloading   bool       `json:"unloading,omitempty"`
}

// HTTP response for GET /v1/regions.
type RegionsResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	Position        [3]float64     `json:"position"`
	Loaded          int            `json:"loaded"`
	InFlight        int            `json:"loads_in_flight"`
	Regions         []RegionStatus `json:"regions"`
}

// HTTP response for POST /v1/regions/{id}/load and /unload.
type ActionResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	RegionID        string `json:"region_id"`
	Action          string `json:"action"`
	Accepted        bool   `json:"accepted"`
	State           string `json:"state"`
}
