// Package encoder defines the contract between the training engine and the
// text encoders it drives. Encoders are opaque: they turn token batches into
// raw hidden states and accept gradients back against those states. The
// Projector turns raw states into retrieval and reranking embeddings.
package encoder
