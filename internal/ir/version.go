package ir

// Version constants for the event encoding and the node software.
const (
	// EncodingVersion is bumped whenever the canonical event encoding changes.
	EncodingVersion = "1"

	// NodeVersion is the nds node version reported in sync handshakes.
	NodeVersion = "0.3.0"

	// ProtocolVersion is the sync wire protocol version.
	ProtocolVersion = 1
)
