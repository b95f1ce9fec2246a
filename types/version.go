package types

// Version is the canonical project version.
// The CLI, the wire protocol and the chunk record format share this version
// per the lockstep versioning policy.
const Version = "0.3.0"

// ProtocolVersion is the RPC wire protocol version exchanged in ping replies.
const ProtocolVersion = Version
