package constants

// Name is the name of this project.
const Name = "beyond-fetch"

// Version is the current version of BeyondFetch.
const Version = "0.1.0"

// ContentType is sent with every download so that browsers save the body
// instead of rendering it.
const ContentType = "application/x-msdownload"

// Chunk sizes used when copying a retrieval stream into a sink.
const (
	FTPChunkSize     = 1024
	SFTPChunkSize    = 2048
	StorageChunkSize = 32 * 1024
)

// PasswordEnvPrefix prefixes the per-source password override,
// e.g. BEYOND_FETCH_EXPORTS_PASSWORD.
const PasswordEnvPrefix = "BEYOND_FETCH_"
