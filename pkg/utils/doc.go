// Package utils provides small shared helpers for the biencoder project:
// dense vector math, top-k selection, and bounded concurrent execution.
package utils
