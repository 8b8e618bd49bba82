package utils

import "github.com/google/uuid"

// UUIDv5 generates a deterministic UUID v5 from the given name using the URL
// namespace. Used to derive stable cache file names from build targets.
func UUIDv5(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// NewUUID returns a random UUID v4, used for kernel session and message IDs.
func NewUUID() string {
	return uuid.NewString()
}
