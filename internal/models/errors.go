package models

import "errors"

var (
	ErrExtraction        = errors.New("extraction error")
	ErrEmbedding         = errors.New("embedding service error")
	ErrIndex             = errors.New("index service error")
	ErrRetrieval         = errors.New("retrieval error")
	ErrGeneration        = errors.New("generation service error")
	ErrConfiguration     = errors.New("configuration error")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrModelMismatch     = errors.New("embedding model mismatch")
	ErrInvalidTopK       = errors.New("top_k must be a positive integer")
	ErrEmptyQuestion     = errors.New("question must not be empty")
	ErrInvalidFilter     = errors.New("unknown regulation type")
)
