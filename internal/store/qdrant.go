package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantBackend implements VectorBackend against a remote Qdrant
// instance. Segment IDs are hex digests rather than UUIDs, so each point
// gets a deterministic UUID derived from its segment ID and keeps the
// real segment ID in its payload.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

// QdrantConfig locates the remote collection.
type QdrantConfig struct {
	// URL is the qdrant endpoint, e.g. "http://localhost:6334".
	URL string
	// APIKey is optional.
	APIKey string
	// Collection is the collection name.
	Collection string
	// Dimensions is the embedding dimension the collection must carry.
	Dimensions int
}

const (
	payloadKeySegmentID  = "segment_id"
	payloadKeyFilePath   = "file_path"
	payloadKeyStartLine  = "start_line"
	payloadKeyEndLine    = "end_line"
	payloadKeyIdentifier = "identifier"
	payloadKeyKind       = "kind"
	payloadKeyExports    = "exports"
	payloadKeyPrefixes   = "path_prefixes"

	// stateMarkerID is the fixed UUID of the collection's indexing-state
	// marker point. Its vector is all zeros and it is excluded from
	// search results by the marker payload flag.
	stateMarkerID = "00000000-0000-4000-8000-000000000001"
	payloadKeyMarker     = "state_marker"
	payloadKeyIncomplete = "indexing_incomplete"
)

// NewQdrantBackend connects to the configured endpoint. The collection
// is created lazily by Initialize.
func NewQdrantBackend(cfg QdrantConfig) (*QdrantBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant dimensions must be positive, got %d", cfg.Dimensions)
	}

	host, port, useTLS, err := splitQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", cfg.URL, err)
	}

	return &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
	}, nil
}

// splitQdrantURL extracts host, port, and TLS from a URL string. A bare
// "host:port" is accepted as well.
func splitQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid qdrant url %q: %w", raw, err)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid qdrant port %q: %w", p, err)
		}
	}
	return host, port, useTLS, nil
}

// pointUUID derives a stable UUIDv4-shaped identifier from a segment ID.
func pointUUID(segmentID string) string {
	sum := sha256.Sum256([]byte(segmentID))
	sum[6] = (sum[6] & 0x0f) | 0x40
	sum[8] = (sum[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}

// Initialize creates the collection if missing and verifies its
// dimension when it already exists.
func (q *QdrantBackend) Initialize(ctx context.Context) (bool, error) {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return false, fmt.Errorf("failed to check qdrant collection: %w", err)
	}

	if !exists {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return false, fmt.Errorf("failed to create qdrant collection: %w", err)
		}
		return false, nil
	}

	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return true, fmt.Errorf("failed to read qdrant collection info: %w", err)
	}
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		if stored := int(params.GetSize()); stored != q.dimensions {
			return true, ErrDimensionMismatch{Expected: q.dimensions, Got: stored}
		}
	}

	count, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.collection})
	if err != nil {
		return true, fmt.Errorf("failed to count qdrant points: %w", err)
	}
	return count > 0, nil
}

// Upsert writes points in one batch.
func (q *QdrantBackend) Upsert(ctx context.Context, points []*Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if len(p.Embedding) != q.dimensions {
			return ErrDimensionMismatch{Expected: q.dimensions, Got: len(p.Embedding)}
		}
		payload := map[string]any{
			payloadKeySegmentID: p.SegmentID,
			payloadKeyFilePath:  p.Payload.FilePath,
			payloadKeyStartLine: int64(p.Payload.StartLine),
			payloadKeyEndLine:   int64(p.Payload.EndLine),
			payloadKeyPrefixes:  toAnySlice(pathPrefixes(p.Payload.FilePath)),
		}
		if p.Payload.Identifier != "" {
			payload[payloadKeyIdentifier] = p.Payload.Identifier
		}
		if p.Payload.Kind != "" {
			payload[payloadKeyKind] = p.Payload.Kind
		}
		if len(p.Payload.Exports) > 0 {
			payload[payloadKeyExports] = toAnySlice(p.Payload.Exports)
		}
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(p.SegmentID)),
			Vectors: qdrant.NewVectors(p.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// DeleteByFile removes every point for one file path.
func (q *QdrantBackend) DeleteByFile(ctx context.Context, path string) error {
	return q.DeleteByFiles(ctx, []string{path})
}

// DeleteByFiles removes points whose file path matches any of paths.
func (q *QdrantBackend) DeleteByFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	conditions := make([]*qdrant.Condition, len(paths))
	for i, path := range paths {
		conditions[i] = qdrant.NewMatch(payloadKeyFilePath, path)
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Should: conditions,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete by file failed: %w", err)
	}
	return nil
}

// SearchPoints runs a similarity query with the prefix and score filters
// applied server-side.
func (q *QdrantBackend) SearchPoints(ctx context.Context, vector []float32, directoryPrefix string, minScore float32, limit int) ([]*PointResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	lim := uint64(limit)
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if minScore > 0 {
		query.ScoreThreshold = &minScore
	}

	filter := &qdrant.Filter{
		MustNot: []*qdrant.Condition{qdrant.NewMatchBool(payloadKeyMarker, true)},
	}
	if directoryPrefix != "" {
		prefix := strings.TrimSuffix(directoryPrefix, "/")
		filter.Must = []*qdrant.Condition{qdrant.NewMatch(payloadKeyPrefixes, prefix)}
	}
	query.Filter = filter

	hits, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}

	results := make([]*PointResult, 0, len(hits))
	for _, hit := range hits {
		payload := hit.GetPayload()
		segmentID := payload[payloadKeySegmentID].GetStringValue()
		if segmentID == "" {
			continue
		}
		pr := &PointResult{
			SegmentID: segmentID,
			Score:     hit.GetScore(),
			Payload: PointPayload{
				FilePath:   payload[payloadKeyFilePath].GetStringValue(),
				StartLine:  int(payload[payloadKeyStartLine].GetIntegerValue()),
				EndLine:    int(payload[payloadKeyEndLine].GetIntegerValue()),
				Identifier: payload[payloadKeyIdentifier].GetStringValue(),
				Kind:       payload[payloadKeyKind].GetStringValue(),
			},
		}
		if exports := payload[payloadKeyExports].GetListValue(); exports != nil {
			for _, v := range exports.GetValues() {
				if s := v.GetStringValue(); s != "" {
					pr.Payload.Exports = append(pr.Payload.Exports, s)
				}
			}
		}
		results = append(results, pr)
	}
	return results, nil
}

// ClearCollection drops and recreates the collection.
func (q *QdrantBackend) ClearCollection(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("qdrant delete collection failed: %w", err)
	}
	err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant recreate collection failed: %w", err)
	}
	return nil
}

// MarkIndexingIncomplete upserts the state marker with the incomplete
// flag set.
func (q *QdrantBackend) MarkIndexingIncomplete(ctx context.Context) error {
	return q.writeStateMarker(ctx, true)
}

// MarkIndexingComplete clears the incomplete flag on the state marker.
func (q *QdrantBackend) MarkIndexingComplete(ctx context.Context) error {
	return q.writeStateMarker(ctx, false)
}

func (q *QdrantBackend) writeStateMarker(ctx context.Context, incomplete bool) error {
	zero := make([]float32, q.dimensions)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(stateMarkerID),
			Vectors: qdrant.NewVectors(zero...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadKeyMarker:     true,
				payloadKeyIncomplete: incomplete,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant state marker write failed: %w", err)
	}
	return nil
}

// Close shuts down the client connection.
func (q *QdrantBackend) Close() error {
	return q.client.Close()
}

var _ VectorBackend = (*QdrantBackend)(nil)
