package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// StoreConfig configures the metadata store's SQLite connection.
type StoreConfig struct {
	// CacheSizeMB is the SQLite page cache size in megabytes. Zero falls
	// back to DefaultStoreConfig's value.
	CacheSizeMB int
}

// DefaultStoreConfig returns sensible defaults for the metadata store.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSizeMB: 64}
}

// SQLiteStore implements MetadataStore using SQLite with WAL mode for
// concurrent multi-process access, mirroring SQLiteBM25Index's durability
// pattern.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a metadata store at path using the
// default store configuration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens (or creates) a metadata store at path with
// a custom cache size. A zero CacheSizeMB uses the default.
func NewSQLiteStoreWithConfig(path string, cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = DefaultStoreConfig().CacheSizeMB
	}

	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention, matching SQLiteBM25Index.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeMB*1024), // negative = KB
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS projects (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		root_path    TEXT NOT NULL,
		project_type TEXT,
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		file_count   INTEGER NOT NULL DEFAULT 0,
		indexed_at   TIMESTAMP,
		version      TEXT
	);

	CREATE TABLE IF NOT EXISTS files (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		path         TEXT NOT NULL,
		size         INTEGER NOT NULL DEFAULT 0,
		mod_time     TIMESTAMP,
		content_hash TEXT,
		language     TEXT,
		content_type TEXT,
		indexed_at   TIMESTAMP,
		UNIQUE(project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id            TEXT PRIMARY KEY,
		file_id       TEXT NOT NULL,
		file_path     TEXT,
		content       TEXT,
		raw_content   TEXT,
		context       TEXT,
		content_type  TEXT,
		language      TEXT,
		start_line    INTEGER,
		end_line      INTEGER,
		metadata_json TEXT,
		created_at    TIMESTAMP,
		updated_at    TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

	CREATE TABLE IF NOT EXISTS symbols (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		chunk_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		type        TEXT,
		start_line  INTEGER,
		end_line    INTEGER,
		signature   TEXT,
		doc_comment TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_chunk ON symbols(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id   TEXT PRIMARY KEY,
		vector     BLOB NOT NULL,
		model      TEXT,
		created_at TIMESTAMP
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (2);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying connection pool for callers that need direct
// access (health checks, migrations run by other subsystems).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the store. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// --- Project operations ---

func (s *SQLiteStore) SaveProject(ctx context.Context, project *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			project_type = excluded.project_type,
			chunk_count = excluded.chunk_count,
			file_count = excluded.file_count,
			indexed_at = excluded.indexed_at,
			version = excluded.version
	`, project.ID, project.Name, project.RootPath, project.ProjectType,
		project.ChunkCount, project.FileCount, project.IndexedAt, project.Version)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?
	`, id)

	p := &Project{}
	var indexedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.IndexedAt = indexedAt.Time
	return p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ? WHERE id = ?
	`, fileCount, chunkCount, id)
	if err != nil {
		return fmt.Errorf("update project stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	var fileCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return fmt.Errorf("count files: %w", err)
	}

	var chunkCount int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
	`, id).Scan(&chunkCount); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?
	`, fileCount, chunkCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("refresh project stats: %w", err)
	}
	return nil
}

// --- File operations ---

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			id = excluded.id,
			size = excluded.size,
			mod_time = excluded.mod_time,
			content_hash = excluded.content_hash,
			language = excluded.language,
			content_type = excluded.content_type,
			indexed_at = excluded.indexed_at
	`)
	if err != nil {
		return fmt.Errorf("prepare file upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, f.ModTime,
			f.ContentHash, f.Language, f.ContentType, f.IndexedAt); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	var modTime, indexedAt sql.NullTime
	err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash,
		&f.Language, &f.ContentType, &indexedAt)
	if err != nil {
		return nil, err
	}
	f.ModTime = modTime.Time
	f.IndexedAt = indexedAt.Time
	return f, nil
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND path = ?
	`, projectID, path)

	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND mod_time > ?
		ORDER BY path
	`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("get changed files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan changed file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset:%d", offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	var offset int
	if _, err := fmt.Sscanf(string(raw), "offset:%d", &offset); err != nil {
		return 0, fmt.Errorf("invalid cursor contents %q: %w", string(raw), err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("cursor offset must be non-negative, got %d", offset)
	}
	return offset, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, projectID, cursor string, limit int) ([]*File, string, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?
		ORDER BY path
		LIMIT ? OFFSET ?
	`, projectID, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan listed file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(out) > limit {
		out = out[:limit]
		nextCursor = encodeCursor(offset + limit)
	}
	return out, nextCursor, nil
}

func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get file paths by project: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get files for reconciliation: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation file: %w", err)
		}
		out[f.Path] = f
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	dirPrefix = strings.TrimSuffix(dirPrefix, "/")

	var rows *sql.Rows
	var err error
	if dirPrefix == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT path FROM files WHERE project_id = ? AND path LIKE ? ESCAPE '\'
		`, projectID, escapeLike(dirPrefix)+"/%")
	}
	if err != nil {
		return nil, fmt.Errorf("list file paths under %q: %w", dirPrefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("list project files: %w", err)
	}
	var fileIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan file id: %w", err)
		}
		fileIDs = append(fileIDs, id)
	}
	rows.Close()

	for _, id := range fileIDs {
		if err := deleteChunksByFileTx(ctx, tx, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete files by project: %w", err)
	}
	return tx.Commit()
}

func deleteChunksByFileTx(ctx context.Context, tx *sql.Tx, fileID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("list chunks for file: %w", err)
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan chunk id: %w", err)
		}
		chunkIDs = append(chunkIDs, id)
	}
	rows.Close()

	for _, id := range chunkIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete symbols for chunk %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete embedding for chunk %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete chunks for file: %w", err)
	}
	return nil
}

// --- Chunk operations ---

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, content, raw_content, context, content_type,
			language, start_line, end_line, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id = excluded.file_id,
			file_path = excluded.file_path,
			content = excluded.content,
			raw_content = excluded.raw_content,
			context = excluded.context,
			content_type = excluded.content_type,
			language = excluded.language,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk upsert: %w", err)
	}
	defer chunkStmt.Close()

	deleteSymbolsStmt, err := tx.PrepareContext(ctx, `DELETE FROM symbols WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare symbol delete: %w", err)
	}
	defer deleteSymbolsStmt.Close()

	symbolStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (chunk_id, name, type, start_line, end_line, signature, doc_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer symbolStmt.Close()

	for _, c := range chunks {
		var metaJSON []byte
		if len(c.Metadata) > 0 {
			metaJSON, err = json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("marshal chunk metadata: %w", err)
			}
		}

		if _, err := chunkStmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath, c.Content, c.RawContent,
			c.Context, string(c.ContentType), c.Language, c.StartLine, c.EndLine,
			string(metaJSON), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.ID, err)
		}

		if _, err := deleteSymbolsStmt.ExecContext(ctx, c.ID); err != nil {
			return fmt.Errorf("clear symbols for chunk %s: %w", c.ID, err)
		}
		for _, sym := range c.Symbols {
			if _, err := symbolStmt.ExecContext(ctx, c.ID, sym.Name, string(sym.Type),
				sym.StartLine, sym.EndLine, sym.Signature, sym.DocComment); err != nil {
				return fmt.Errorf("save symbol %s for chunk %s: %w", sym.Name, c.ID, err)
			}
		}
	}

	return tx.Commit()
}

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	c := &Chunk{}
	var contentType, metaJSON sql.NullString
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent, &c.Context,
		&contentType, &c.Language, &c.StartLine, &c.EndLine, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType.String)
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	if metaJSON.String != "" {
		m := make(map[string]string)
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err == nil {
			c.Metadata = m
		}
	}
	return c, nil
}

func (s *SQLiteStore) loadSymbols(ctx context.Context, chunkID string) ([]*Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE chunk_id = ?
	`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		sym := &Symbol{}
		var symType string
		if err := rows.Scan(&sym.Name, &symType, &sym.StartLine, &sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Type = SymbolType(symType)
		out = append(out, sym)
	}
	return out, rows.Err()
}

const chunkSelectColumns = `id, file_id, file_path, content, raw_content, context, content_type,
			language, start_line, end_line, metadata_json, created_at, updated_at`

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkSelectColumns+` FROM chunks WHERE id = ?`, id)

	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}

	symbols, err := s.loadSymbols(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Symbols = symbols
	return c, nil
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`, chunkSelectColumns, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		symbols, err := s.loadSymbols(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Symbols = symbols
	}
	return out, nil
}

func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkSelectColumns+` FROM chunks WHERE file_id = ? ORDER BY start_line`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by file: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		symbols, err := s.loadSymbols(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Symbols = symbols
	}
	return out, nil
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM symbols WHERE chunk_id IN (%s)`, inClause), args...); err != nil {
		return fmt.Errorf("delete symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM embeddings WHERE chunk_id IN (%s)`, inClause), args...); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, inClause), args...); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Symbol operations ---

func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE name LIKE ? ESCAPE '\'
		ORDER BY name
		LIMIT ?
	`, "%"+escapeLike(name)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		sym := &Symbol{}
		var symType string
		if err := rows.Scan(&sym.Name, &symType, &sym.StartLine, &sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Type = SymbolType(symType)
		out = append(out, sym)
	}
	return out, rows.Err()
}

// --- State operations ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// --- Embedding operations ---

func embeddingToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunk ID count (%d) does not match embedding count (%d)", len(chunkIDs), len(embeddings))
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (chunk_id, vector, model, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			created_at = excluded.created_at
	`)
	if err != nil {
		return fmt.Errorf("prepare embedding upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, id, embeddingToBytes(embeddings[i]), model, now); err != nil {
			return fmt.Errorf("save embedding for chunk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, vector FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("get all embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var vec []byte
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if emb := bytesToEmbedding(vec); emb != nil {
			out[id] = emb
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&withEmbedding); err != nil {
		return 0, 0, fmt.Errorf("count embeddings: %w", err)
	}
	withoutEmbedding = total - withEmbedding
	return withEmbedding, withoutEmbedding, nil
}

// --- Checkpoint operations ---
//
// Checkpoints ride on the generic state key-value table using the
// StateKeyCheckpoint* constants from types.go, rather than a dedicated
// table — there is only ever one checkpoint in flight at a time.

func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	entries := map[string]string{
		StateKeyCheckpointStage:         stage,
		StateKeyCheckpointTotal:         strconv.Itoa(total),
		StateKeyCheckpointEmbedded:      strconv.Itoa(embeddedCount),
		StateKeyCheckpointTimestamp:     time.Now().Format(time.RFC3339Nano),
		StateKeyCheckpointEmbedderModel: embedderModel,
	}
	for k, v := range entries {
		if err := s.SetState(ctx, k, v); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	stage, err := s.GetState(ctx, StateKeyCheckpointStage)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint stage: %w", err)
	}
	if stage == "" || stage == "complete" {
		return nil, nil
	}

	totalStr, err := s.GetState(ctx, StateKeyCheckpointTotal)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint total: %w", err)
	}
	total, _ := strconv.Atoi(totalStr)

	embeddedStr, err := s.GetState(ctx, StateKeyCheckpointEmbedded)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint embedded count: %w", err)
	}
	embedded, _ := strconv.Atoi(embeddedStr)

	tsStr, err := s.GetState(ctx, StateKeyCheckpointTimestamp)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint timestamp: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, tsStr)

	model, err := s.GetState(ctx, StateKeyCheckpointEmbedderModel)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint embedder model: %w", err)
	}

	return &IndexCheckpoint{
		Stage:         stage,
		Total:         total,
		EmbeddedCount: embedded,
		Timestamp:     ts,
		EmbedderModel: model,
	}, nil
}

func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	keys := []string{
		StateKeyCheckpointStage,
		StateKeyCheckpointTotal,
		StateKeyCheckpointEmbedded,
		StateKeyCheckpointTimestamp,
		StateKeyCheckpointEmbedderModel,
	}
	for _, k := range keys {
		if err := s.SetState(ctx, k, ""); err != nil {
			return fmt.Errorf("clear checkpoint: %w", err)
		}
	}
	return nil
}
