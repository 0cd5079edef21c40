package store

// VectorBackendOptions selects and configures a VectorBackend.
type VectorBackendOptions struct {
	// URL selects the remote Qdrant backend when non-empty; otherwise the
	// embedded HNSW backend is used.
	URL string
	// APIKey authenticates against a remote backend.
	APIKey string
	// Collection names the remote collection. Defaults to "code_segments".
	Collection string
	// Dimensions is the embedding dimension.
	Dimensions int
	// DataPath locates the embedded backend's on-disk graph file.
	DataPath string
}

// NewVectorBackend builds the backend the options describe: remote
// Qdrant when a URL is set, embedded HNSW otherwise.
func NewVectorBackend(opts VectorBackendOptions) (VectorBackend, error) {
	if opts.URL != "" {
		collection := opts.Collection
		if collection == "" {
			collection = "code_segments"
		}
		return NewQdrantBackend(QdrantConfig{
			URL:        opts.URL,
			APIKey:     opts.APIKey,
			Collection: collection,
			Dimensions: opts.Dimensions,
		})
	}
	return NewHNSWBackend(DefaultVectorStoreConfig(opts.Dimensions), opts.DataPath)
}
