package constants

// Route paths shared between the router and the clients that call it.
const (
	PathHealth = "/health"
	PathReady  = "/ready"

	// PathAPIPrefix fronts every REST route.
	PathAPIPrefix = "/api/v1"

	// PathRoomWS is the gin route pattern for the guest signaling channel.
	PathRoomWS = "/ws/rooms/:room_id/guests/:guest_id"
)

// HTTP header and query parameter names of the chunk upload contract.
const (
	// HeaderChunkSHA256 carries the hex digest the server verifies before
	// accepting a chunk.
	HeaderChunkSHA256 = "X-Chunk-SHA256"

	// QuerySignature and QueryExpires authenticate presigned chunk uploads.
	QuerySignature = "sig"
	QueryExpires   = "exp"
	// QuerySeqs selects which chunk slots a presign request covers.
	QuerySeqs = "seqs"
)
