// Package loss computes the training objectives for a dual-encoder
// retrieval model and their gradients with respect to the embeddings. The
// default objective is contrastive negative log-likelihood over the
// query-by-context similarity matrix; triplet margin, binary cross-entropy
// and unified rerank distillation terms layer on by configuration.
package loss
