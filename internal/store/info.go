package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EmbedderInfoInput describes the currently configured embedder, for
// compatibility checking against the embedder an index was built with.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// GetIndexInfo assembles the full index report for a data directory:
// what the index was built with, how big it is, and whether the current
// embedder is compatible with it.
func GetIndexInfo(ctx context.Context, metadata MetadataStore, dataDir string, current *EmbedderInfoInput) (*IndexInfo, error) {
	info := &IndexInfo{
		Location: dataDir,
	}

	// Embedding configuration recorded at index time.
	if model, err := metadata.GetState(ctx, StateKeyIndexModel); err == nil && model != "" {
		info.IndexModel = model
		info.IndexBackend = inferBackendFromModel(model)
	}
	if dim, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dim != "" {
		if parsed, perr := strconv.Atoi(dim); perr == nil {
			info.IndexDimensions = parsed
		}
	}

	// Project statistics. The data directory sits inside the project
	// root, whose hash keys the project record.
	root := filepath.Dir(dataDir)
	info.ProjectRoot = root
	projectID := hashPathID(root)
	if project, err := metadata.GetProject(ctx, projectID); err == nil && project != nil {
		info.ProjectRoot = project.RootPath
		info.ChunkCount = project.ChunkCount
		info.DocumentCount = project.FileCount
		info.CreatedAt = project.IndexedAt
		info.UpdatedAt = project.IndexedAt
	}

	// On-disk sizes.
	info.BM25SizeBytes = statSize(filepath.Join(dataDir, "bm25.db")) +
		getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	info.VectorSizeBytes = statSize(filepath.Join(dataDir, "vectors.hnsw")) +
		statSize(filepath.Join(dataDir, "vectors.hnsw.payload.json"))
	info.IndexSizeBytes = info.BM25SizeBytes + info.VectorSizeBytes +
		statSize(filepath.Join(dataDir, "metadata.db"))

	// Current embedder and compatibility.
	if current != nil {
		info.CurrentModel = current.Model
		info.CurrentBackend = current.Backend
		info.CurrentDimensions = current.Dimensions
		info.Compatible = info.IndexDimensions == 0 || info.IndexDimensions == current.Dimensions
	}

	return info, nil
}

// hashPathID mirrors the project-ID derivation used at index time.
func hashPathID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

// FormatBytes renders a byte count at the largest fitting unit.
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime renders a timestamp for the info report; the zero time reads
// as "unknown".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// containsAny reports whether s contains any of the substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses which embedding backend produced a model
// name recorded in the index: static models carry the "static" prefix,
// MLX models are local paths or mlx-prefixed repos, everything else is
// assumed to be an Ollama tag.
func inferBackendFromModel(model string) string {
	switch {
	case strings.HasPrefix(model, "static"):
		return "static"
	case strings.HasPrefix(model, "/"), containsAny(model, []string{"mlx-community/", "mlx-"}):
		return "mlx"
	default:
		return "ollama"
	}
}

// getDirSize sums the file sizes under a directory tree; a missing path
// counts as zero.
func getDirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// statSize returns a single file's size, or zero when absent.
func statSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
