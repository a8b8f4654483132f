package domain

import "github.com/google/uuid"

// ID prefixes for each entity kind.
const (
	ProjectIDPrefix   = "proj-"
	SpecIDPrefix      = "spec-"
	ChunkIDPrefix     = "chunk-"
	ToolCallIDPrefix  = "tc-"
	WorkerIDPrefix    = "wrk-"
	QueueItemIDPrefix = "q-"
	ReviewLogIDPrefix = "rl-"
)

// NewID returns a random identifier with the given kind prefix.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}
