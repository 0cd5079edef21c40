package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeindex-engine/core/internal/config"
	"github.com/codeindex-engine/core/internal/output"
	"github.com/codeindex-engine/core/internal/store"
)

// DebugInfo is the machine-readable diagnostic summary printed by
// `indexctl debug --json`.
type DebugInfo struct {
	IndexPath   string `json:"index_path"`
	ProjectRoot string `json:"project_root"`
	ProjectName string `json:"project_name"`

	FileCount  int       `json:"file_count"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`

	EmbedderProvider string `json:"embedder_provider"`
	EmbedderModel    string `json:"embedder_model"`

	BM25Backend   string `json:"bm25_backend"`
	BM25SizeBytes int64  `json:"bm25_size_bytes"`

	VectorDimensions int   `json:"vector_dimensions"`
	VectorSizeBytes  int64 `json:"vector_size_bytes"`

	MetadataSizeBytes int64 `json:"metadata_size_bytes"`
	TotalSizeBytes    int64 `json:"total_size_bytes"`

	Languages map[string]float64 `json:"languages,omitempty"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Dump index diagnostics for the current project",
		Long: `Collects and prints everything useful for troubleshooting an index:
file/chunk counts, embedder configuration, index file sizes, and the
language mix of indexed files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			dataDir := filepath.Join(root, ".indexctl")

			info, err := collectDebugInfo(cmd.Context(), root, dataDir)
			if err != nil {
				return err
			}

			if jsonOutput {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			}

			printDebugInfo(cmd, info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// collectDebugInfo gathers diagnostics from the metadata store, config,
// and on-disk index artifacts.
func collectDebugInfo(ctx context.Context, root, dataDir string) (*DebugInfo, error) {
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); err != nil {
		return nil, fmt.Errorf("no index found at %s (run 'indexctl index' first)", root)
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	info := &DebugInfo{
		IndexPath:   dataDir,
		ProjectRoot: root,
	}

	project, err := metadata.GetProject(ctx, hashString(root))
	if err == nil && project != nil {
		info.ProjectName = project.Name
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.IndexedAt = project.IndexedAt
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = cfg.Embeddings.Provider
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "auto"
	}
	if info.EmbedderModel == "" {
		info.EmbedderModel = "default"
	}

	info.BM25Backend = string(store.DetectBM25Backend(filepath.Join(dataDir, "bm25")))
	if info.BM25Backend == "" {
		info.BM25Backend = "none"
	}
	info.BM25SizeBytes = fileSize(filepath.Join(dataDir, "bm25.db")) + fileSize(filepath.Join(dataDir, "bm25.bleve"))

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	info.VectorSizeBytes = fileSize(vectorPath)
	if dims, err := store.ReadHNSWStoreDimensions(vectorPath); err == nil {
		info.VectorDimensions = dims
	}

	info.MetadataSizeBytes = fileSize(metadataPath)
	info.TotalSizeBytes = info.MetadataSizeBytes + info.BM25SizeBytes + info.VectorSizeBytes

	info.Languages = languageBreakdown(ctx, metadata, hashString(root))

	return info, nil
}

// languageBreakdown computes the fraction of indexed files per
// (normalized) language.
func languageBreakdown(ctx context.Context, metadata store.MetadataStore, projectID string) map[string]float64 {
	files, err := metadata.GetFilesForReconciliation(ctx, projectID)
	if err != nil || len(files) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, f := range files {
		lang := normalizeExtension(f.Language)
		if lang == "" {
			continue
		}
		counts[lang]++
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil
	}
	out := make(map[string]float64, len(counts))
	for lang, n := range counts {
		out[lang] = float64(n) / float64(total)
	}
	return out
}

func printDebugInfo(cmd *cobra.Command, info *DebugInfo) {
	out := output.New(cmd.OutOrStdout())

	out.Header("IndexEngine Debug Info")
	out.Newline()

	out.Section("FILES & CHUNKS")
	out.Field("Files", formatNumber(info.FileCount))
	out.Field("Chunks", formatNumber(info.ChunkCount))
	out.Field("Indexed", formatAge(info.IndexedAt))
	out.Field("Languages", formatLanguages(info.Languages))
	out.Newline()

	out.Section("EMBEDDER")
	out.Field("Provider", info.EmbedderProvider)
	out.Field("Model", info.EmbedderModel)
	out.Newline()

	out.Section("BM25 INDEX")
	out.Field("Backend", info.BM25Backend)
	out.Field("Size", formatSize(info.BM25SizeBytes))
	out.Newline()

	out.Section("VECTOR STORE")
	out.Field("Dimensions", formatNumber(info.VectorDimensions))
	out.Field("Size", formatSize(info.VectorSizeBytes))
	out.Newline()

	out.Section("STORAGE")
	out.Field("Location", info.IndexPath)
	out.Field("Metadata", formatSize(info.MetadataSizeBytes))
	out.Field("Total", formatSize(info.TotalSizeBytes))
}

// formatAge renders a timestamp as a coarse human age.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		minutes := int(d.Minutes())
		return fmt.Sprintf("%d %s ago", minutes, plural("minute", minutes))
	case d < 24*time.Hour:
		hours := int(d.Hours())
		return fmt.Sprintf("%d %s ago", hours, plural("hour", hours))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%d %s ago", days, plural("day", days))
	}
}

func plural(unit string, n int) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

// formatNumber renders n with thousands separators.
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// formatLanguages renders a language share map, highest first.
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}
	type entry struct {
		lang  string
		share float64
	}
	entries := make([]entry, 0, len(langs))
	for lang, share := range langs {
		entries = append(entries, entry{lang, share})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share > entries[j].share
		}
		return entries[i].lang < entries[j].lang
	})
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s (%.0f%%)", e.lang, e.share*100)
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension folds dialect extensions into one language key.
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
