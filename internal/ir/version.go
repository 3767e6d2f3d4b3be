package ir

// Version constants for the wire protocol and host.
const (
	// ProtocolVersion is the component wire protocol version.
	ProtocolVersion = "1"

	// HostVersion is the scenehost version reported to scenes.
	HostVersion = "0.1.0"
)
