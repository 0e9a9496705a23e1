package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/metrics"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS content_nodes (
		id TEXT PRIMARY KEY,
		canonical_reference TEXT NOT NULL,
		course_id TEXT NOT NULL,
		day INTEGER NOT NULL,
		container_type TEXT NOT NULL,
		container_id TEXT NOT NULL,
		container_title TEXT,
		sequence_number INTEGER NOT NULL,
		node_type TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		primary_topic TEXT,
		aliases TEXT,
		keywords TEXT,
		is_dedicated_topic INTEGER DEFAULT 0,
		is_valid INTEGER DEFAULT 1,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_ref ON content_nodes(course_id, canonical_reference, is_valid);
	CREATE INDEX IF NOT EXISTS idx_nodes_course ON content_nodes(course_id, is_valid);
	CREATE INDEX IF NOT EXISTS idx_nodes_topic ON content_nodes(course_id, primary_topic);
	CREATE INDEX IF NOT EXISTS idx_nodes_container ON content_nodes(course_id, container_id);

	CREATE TABLE IF NOT EXISTS registry_entries (
		canonical_reference TEXT NOT NULL,
		course_id TEXT NOT NULL,
		day INTEGER NOT NULL,
		container_type TEXT NOT NULL,
		container_id TEXT NOT NULL,
		container_title TEXT,
		sequence_number INTEGER NOT NULL,
		node_type TEXT NOT NULL,
		primary_topic TEXT,
		content_preview TEXT,
		PRIMARY KEY (course_id, canonical_reference)
	);
	CREATE INDEX IF NOT EXISTS idx_registry_course ON registry_entries(course_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL,
		user_id TEXT,
		question TEXT NOT NULL,
		answer TEXT,
		source TEXT,
		confidence REAL,
		node_count INTEGER,
		stripped_refs INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_references (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		canonical_reference TEXT NOT NULL,
		display TEXT,
		is_primary INTEGER DEFAULT 0,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_refs_query ON query_references(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const nodeColumns = `id, canonical_reference, course_id, day, container_type, container_id,
	container_title, sequence_number, node_type, content, embedding, primary_topic,
	aliases, keywords, is_dedicated_topic, is_valid, version, created_at, updated_at`

// UpsertNode inserts a new version of a node and invalidates any prior valid
// version of the same canonical reference in the same transaction, keeping
// exactly one valid node per reference.
func (c *Client) UpsertNode(ctx context.Context, node *models.ContentNode) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM content_nodes WHERE course_id = ? AND canonical_reference = ?`,
		node.CourseID, node.CanonicalReference,
	).Scan(&prevVersion)
	if err != nil {
		return fmt.Errorf("failed to read prior version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE content_nodes SET is_valid = 0, updated_at = ?
		 WHERE course_id = ? AND canonical_reference = ? AND is_valid = 1`,
		time.Now().Unix(), node.CourseID, node.CanonicalReference,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate prior version: %w", err)
	}

	node.Version = int(prevVersion.Int64) + 1

	embeddingJSON := []byte("null")
	if node.Embedding != nil {
		embeddingJSON, _ = json.Marshal(node.Embedding)
	}
	aliasesJSON, _ := json.Marshal(node.Aliases)
	keywordsJSON, _ := json.Marshal(node.Keywords)

	dedicated := 0
	if node.IsDedicatedTopicNode {
		dedicated = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO content_nodes (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		node.ID,
		node.CanonicalReference,
		node.CourseID,
		node.Day,
		node.ContainerType,
		node.ContainerID,
		node.ContainerTitle,
		node.SequenceNumber,
		node.NodeType,
		node.Content,
		string(embeddingJSON),
		node.PrimaryTopic,
		string(aliasesJSON),
		string(keywordsJSON),
		dedicated,
		node.Version,
		node.CreatedAt.Unix(),
		node.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node upsert: %w", err)
	}

	logger.Debug("Content node upserted",
		zap.String("ref", node.CanonicalReference),
		zap.Int("version", node.Version),
	)
	return nil
}

func scanNode(scan func(dest ...interface{}) error) (*models.ContentNode, error) {
	var n models.ContentNode
	var embeddingJSON, aliasesJSON, keywordsJSON sql.NullString
	var dedicated, valid int
	var createdAt, updatedAt int64

	err := scan(
		&n.ID, &n.CanonicalReference, &n.CourseID, &n.Day, &n.ContainerType,
		&n.ContainerID, &n.ContainerTitle, &n.SequenceNumber, &n.NodeType,
		&n.Content, &embeddingJSON, &n.PrimaryTopic, &aliasesJSON, &keywordsJSON,
		&dedicated, &valid, &n.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if embeddingJSON.Valid && embeddingJSON.String != "null" {
		json.Unmarshal([]byte(embeddingJSON.String), &n.Embedding)
	}
	if aliasesJSON.Valid {
		json.Unmarshal([]byte(aliasesJSON.String), &n.Aliases)
	}
	if keywordsJSON.Valid {
		json.Unmarshal([]byte(keywordsJSON.String), &n.Keywords)
	}
	n.IsDedicatedTopicNode = dedicated == 1
	n.IsValid = valid == 1
	n.CreatedAt = time.Unix(createdAt, 0)
	n.UpdatedAt = time.Unix(updatedAt, 0)

	return &n, nil
}

func (c *Client) queryNodes(ctx context.Context, query string, args ...interface{}) ([]models.ContentNode, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.ContentNode
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// filterClause renders optional node filters as an appended WHERE fragment.
// Every node-scoped query path applies the same narrowing.
func filterClause(filters models.NodeFilters) (string, []interface{}) {
	var clause string
	var args []interface{}

	if filters.Day > 0 {
		clause += ` AND day = ?`
		args = append(args, filters.Day)
	}
	if filters.ContainerType != "" {
		clause += ` AND container_type = ?`
		args = append(args, filters.ContainerType)
	}
	if filters.ContainerID != "" {
		clause += ` AND container_id = ?`
		args = append(args, filters.ContainerID)
	}
	if filters.PrimaryTopic != "" {
		clause += ` AND primary_topic = ?`
		args = append(args, filters.PrimaryTopic)
	}
	return clause, args
}

// FetchCandidates returns valid nodes for a course, optionally narrowed by
// day, container and topic.
func (c *Client) FetchCandidates(ctx context.Context, courseID string, filters models.NodeFilters) ([]models.ContentNode, error) {
	clause, filterArgs := filterClause(filters)
	query := `SELECT ` + nodeColumns + ` FROM content_nodes WHERE course_id = ? AND is_valid = 1` +
		clause + ` ORDER BY day, container_id, sequence_number`
	args := append([]interface{}{courseID}, filterArgs...)

	return c.queryNodes(ctx, query, args...)
}

// GetNodeByRef returns the single valid node for a canonical reference.
func (c *Client) GetNodeByRef(ctx context.Context, courseID, ref string) (*models.ContentNode, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM content_nodes
		 WHERE course_id = ? AND canonical_reference = ? AND is_valid = 1`,
		courseID, ref,
	)
	n, err := scanNode(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// GetNodesByRefs batch-fetches valid nodes, preserving the input order.
func (c *Client) GetNodesByRefs(ctx context.Context, courseID string, refs []string) ([]models.ContentNode, error) {
	byRef := make(map[string]models.ContentNode, len(refs))
	for _, ref := range refs {
		n, err := c.GetNodeByRef(ctx, courseID, ref)
		if err != nil {
			return nil, err
		}
		if n != nil {
			byRef[ref] = *n
		}
	}

	nodes := make([]models.ContentNode, 0, len(byRef))
	for _, ref := range refs {
		if n, ok := byRef[ref]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// NodesForContainerPrefix returns all valid nodes whose canonical reference
// starts with the given container prefix (e.g. "D1.C2."), in sequence order.
func (c *Client) NodesForContainerPrefix(ctx context.Context, courseID, prefix string) ([]models.ContentNode, error) {
	return c.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM content_nodes
		 WHERE course_id = ? AND canonical_reference LIKE ? AND is_valid = 1
		 ORDER BY sequence_number`,
		courseID, prefix+"%",
	)
}

// FindByPrimaryTopic matches nodes whose primary topic contains the concept,
// narrowed by the same filters as candidate retrieval.
func (c *Client) FindByPrimaryTopic(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error) {
	clause, filterArgs := filterClause(filters)
	query := `SELECT ` + nodeColumns + ` FROM content_nodes
		 WHERE course_id = ? AND is_valid = 1 AND primary_topic LIKE '%' || ? || '%'` +
		clause + ` ORDER BY is_dedicated_topic DESC, day, sequence_number LIMIT ?`
	args := append([]interface{}{courseID, concept}, filterArgs...)
	args = append(args, limit)

	return c.queryNodes(ctx, query, args...)
}

// FindByAlias matches nodes whose aliases array contains the concept exactly.
func (c *Client) FindByAlias(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error) {
	clause, filterArgs := filterClause(filters)
	query := `SELECT ` + nodeColumns + ` FROM content_nodes
		 WHERE course_id = ? AND is_valid = 1
		 AND EXISTS (SELECT 1 FROM json_each(content_nodes.aliases) WHERE lower(json_each.value) = lower(?))` +
		clause + ` ORDER BY is_dedicated_topic DESC, day, sequence_number LIMIT ?`
	args := append([]interface{}{courseID, concept}, filterArgs...)
	args = append(args, limit)

	return c.queryNodes(ctx, query, args...)
}

// FindByKeyword matches nodes whose keywords array contains the concept exactly.
func (c *Client) FindByKeyword(ctx context.Context, courseID, concept string, filters models.NodeFilters, limit int) ([]models.ContentNode, error) {
	clause, filterArgs := filterClause(filters)
	query := `SELECT ` + nodeColumns + ` FROM content_nodes
		 WHERE course_id = ? AND is_valid = 1
		 AND EXISTS (SELECT 1 FROM json_each(content_nodes.keywords) WHERE lower(json_each.value) = lower(?))` +
		clause + ` ORDER BY is_dedicated_topic DESC, day, sequence_number LIMIT ?`
	args := append([]interface{}{courseID, concept}, filterArgs...)
	args = append(args, limit)

	return c.queryNodes(ctx, query, args...)
}

// GetEntry returns the registry projection for a canonical reference.
func (c *Client) GetEntry(ctx context.Context, courseID, ref string) (*models.RegistryEntry, error) {
	var e models.RegistryEntry
	err := c.db.QueryRowContext(ctx,
		`SELECT canonical_reference, course_id, day, container_type, container_id,
			container_title, sequence_number, node_type, primary_topic, content_preview
		 FROM registry_entries WHERE course_id = ? AND canonical_reference = ?`,
		courseID, ref,
	).Scan(
		&e.CanonicalReference, &e.CourseID, &e.Day, &e.ContainerType, &e.ContainerID,
		&e.ContainerTitle, &e.SequenceNumber, &e.NodeType, &e.PrimaryTopic, &e.ContentPreview,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registry entry: %w", err)
	}
	return &e, nil
}

// RebuildRegistry regenerates all registry projections for a course from its
// valid content nodes.
func (c *Client) RebuildRegistry(ctx context.Context, courseID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM registry_entries WHERE course_id = ?`, courseID)
	if err != nil {
		return fmt.Errorf("failed to clear registry entries: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO registry_entries (canonical_reference, course_id, day, container_type,
			container_id, container_title, sequence_number, node_type, primary_topic, content_preview)
		 SELECT canonical_reference, course_id, day, container_type, container_id,
			container_title, sequence_number, node_type, primary_topic, substr(content, 1, 200)
		 FROM content_nodes WHERE course_id = ? AND is_valid = 1`,
		courseID,
	)
	if err != nil {
		return fmt.Errorf("failed to rebuild registry entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registry rebuild: %w", err)
	}

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_entries`).Scan(&total); err == nil {
		metrics.RegistryEntries.Set(float64(total))
	}

	logger.Info("Registry projections rebuilt", zap.String("course_id", courseID))
	return nil
}

func (c *Client) InsertQueryRecord(record *models.QueryRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO query_history (id, course_id, user_id, question, answer, source,
			confidence, node_count, stripped_refs, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.CourseID,
		record.UserID,
		record.Question,
		record.Answer,
		record.Source,
		record.Confidence,
		record.NodeCount,
		record.StrippedRefs,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("source", record.Source),
		zap.Float64("confidence", record.Confidence),
	)
	return nil
}

func (c *Client) InsertQueryReference(ref *models.QueryReference) error {
	isPrimary := 0
	if ref.IsPrimary {
		isPrimary = 1
	}

	_, err := c.db.Exec(
		`INSERT INTO query_references (query_id, canonical_reference, display, is_primary)
		 VALUES (?, ?, ?, ?)`,
		ref.QueryID, ref.CanonicalReference, ref.Display, isPrimary,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query reference: %w", err)
	}
	return nil
}

func (c *Client) GetQueryHistory(userID string, limit int) ([]models.QueryRecord, error) {
	rows, err := c.db.Query(
		`SELECT id, course_id, question, answer, source, confidence, latency_ms, created_at
		 FROM query_history WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var createdAt int64

		err := rows.Scan(&r.ID, &r.CourseID, &r.Question, &r.Answer, &r.Source, &r.Confidence, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) StoreFeedback(feedback *models.Feedback) error {
	helpful := 0
	if feedback.Helpful {
		helpful = 1
	}

	_, err := c.db.Exec(
		`INSERT INTO feedback (query_id, helpful, comment, created_at) VALUES (?, ?, ?, ?)`,
		feedback.QueryID, helpful, feedback.Comment, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.Bool("helpful", feedback.Helpful),
	)
	return nil
}
