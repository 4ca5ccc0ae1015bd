package embeddings

// fastembedModel describes one ONNX model the local provider can load. id is
// the fastembed-go model identifier.
type fastembedModel struct {
	id        string
	dimension int
}

// fastembedModels is keyed by both Hugging Face names and fastembed ids.
var fastembedModels = func() map[string]fastembedModel {
	known := []struct {
		hf string
		m  fastembedModel
	}{
		{"sentence-transformers/all-MiniLM-L6-v2", fastembedModel{"fast-all-MiniLM-L6-v2", 384}},
		{"BAAI/bge-small-en-v1.5", fastembedModel{"fast-bge-small-en-v1.5", 384}},
		{"BAAI/bge-small-en", fastembedModel{"fast-bge-small-en", 384}},
		{"BAAI/bge-base-en-v1.5", fastembedModel{"fast-bge-base-en-v1.5", 768}},
		{"BAAI/bge-base-en", fastembedModel{"fast-bge-base-en", 768}},
		{"BAAI/bge-small-zh-v1.5", fastembedModel{"fast-bge-small-zh-v1.5", 512}},
	}
	out := make(map[string]fastembedModel, 2*len(known))
	for _, k := range known {
		out[k.hf] = k.m
		out[k.m.id] = k.m
	}
	return out
}()

// fastEmbedModelDimension returns the dimension of a known model name.
func fastEmbedModelDimension(name string) (int, bool) {
	m, ok := fastembedModels[name]
	return m.dimension, ok
}
