package config

// ChangeSeverity classifies how disruptive a settings change is to the
// running pipeline.
type ChangeSeverity string

const (
	// ChangeNone means new and old are equivalent; nothing to do.
	ChangeNone ChangeSeverity = "none"
	// ChangeMinor can be applied live, without restarting indexing.
	ChangeMinor ChangeSeverity = "minor"
	// ChangeCritical requires the indexing pipeline to restart: the
	// embedder, vector store, or graph connection identity changed.
	ChangeCritical ChangeSeverity = "critical"
)

// ClassifySettingsChange compares old against new and reports the most
// severe kind of change present, plus the field names responsible. Critical
// fields are those that change what gets embedded/stored/connected to:
// embedder provider/model/dimension, vector store URL/key, graph
// enable/URL/credentials. Everything else (e.g. search_min_score) is minor.
func ClassifySettingsChange(old, new *Config) (ChangeSeverity, []string) {
	var critical, minor []string

	if old.Embeddings.Provider != new.Embeddings.Provider {
		critical = append(critical, "embeddings.provider")
	}
	if old.Embeddings.Model != new.Embeddings.Model {
		critical = append(critical, "embeddings.model")
	}
	if old.Embeddings.Dimensions != new.Embeddings.Dimensions {
		critical = append(critical, "embeddings.dimensions")
	}
	if old.VectorStore.URL != new.VectorStore.URL {
		critical = append(critical, "vector_store.url")
	}
	if old.VectorStore.APIKey != new.VectorStore.APIKey {
		critical = append(critical, "vector_store.api_key")
	}
	if old.VectorStore.ModelDimension != new.VectorStore.ModelDimension {
		critical = append(critical, "vector_store.model_dimension")
	}
	if old.Graph.Enabled != new.Graph.Enabled {
		critical = append(critical, "graph.enabled")
	}
	if old.Graph.URL != new.Graph.URL {
		critical = append(critical, "graph.url")
	}
	if old.Graph.Username != new.Graph.Username || old.Graph.Password != new.Graph.Password {
		critical = append(critical, "graph.credentials")
	}
	if old.Graph.Database != new.Graph.Database {
		critical = append(critical, "graph.database")
	}

	if old.VectorStore.SearchMinScore != new.VectorStore.SearchMinScore {
		minor = append(minor, "vector_store.search_min_score")
	}
	if old.Search.MaxResults != new.Search.MaxResults {
		minor = append(minor, "search.max_results")
	}
	if old.Search.BM25Weight != new.Search.BM25Weight || old.Search.SemanticWeight != new.Search.SemanticWeight {
		minor = append(minor, "search.weights")
	}
	if old.Search.RRFConstant != new.Search.RRFConstant {
		minor = append(minor, "search.rrf_constant")
	}

	if len(critical) > 0 {
		return ChangeCritical, critical
	}
	if len(minor) > 0 {
		return ChangeMinor, minor
	}
	return ChangeNone, nil
}
