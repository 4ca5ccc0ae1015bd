// Package embeddings turns chunk text and queries into unit-length vectors.
//
// Four providers are available: FastEmbed (local ONNX, cgo builds only),
// TEI (HuggingFace text-embeddings-inference over HTTP), any OpenAI
// compatible endpoint through langchaingo, and Ollama. NewProvider wraps the
// selected backend so every returned vector is L2-normalized, has the
// provider's dimension and is counted in the embedding metrics.
package embeddings
