package index

import "errors"

// Index errors. The dispatcher maps these onto the failure classes shown to
// the agent.
var (
	// ErrDisabled indicates the similarity index is turned off in config.
	ErrDisabled = errors.New("similarity index is disabled")

	// ErrIndexUnavailable indicates the backing database could not be
	// opened or queried.
	ErrIndexUnavailable = errors.New("similarity index unavailable")

	// ErrEmbeddingUnavailable indicates the embedding service could not be
	// reached or failed to produce a vector.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
)
