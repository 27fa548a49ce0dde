package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"

	"github.com/pulseloop/coach/internal/logging"
)

// Memory kinds and importance levels for long-term documents.
const (
	MemoryCheckin         = "checkin"
	MemoryDialogueSummary = "dialogue_summary"

	ImportanceHigh   = "high"
	ImportanceMedium = "medium"
	ImportanceLow    = "low"
)

// MemoryDoc is one long-term memory document. Check-ins store the original
// text; dialogue is stored only as summaries, never as raw turns.
type MemoryDoc struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Kind           string    `json:"kind"`
	Content        string    `json:"content"`
	Importance     string    `json:"importance"`
	Timestamp      time.Time `json:"timestamp"`
	RetentionUntil time.Time `json:"retention_until"`
	Embedding      []float64 `json:"embedding,omitempty"`
}

// MemoryFilter restricts a search to kind and/or time range. UserID filtering
// is always applied; collections are per-user.
type MemoryFilter struct {
	Kind string
	From time.Time
	To   time.Time
}

// MemoryHit is one ranked search result.
type MemoryHit struct {
	Doc   *MemoryDoc
	Score float64 // cosine similarity in [-1, 1]
}

// AddMemory writes a long-term memory document and indexes its embedding.
func (s *DB) AddMemory(doc *MemoryDoc) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UserID == "" || doc.Content == "" {
		return fmt.Errorf("user and content are required")
	}
	if doc.Importance == "" {
		doc.Importance = ImportanceMedium
	}

	embBytes, err := json.Marshal(doc.Embedding)
	if err != nil {
		embBytes = nil
	}

	res, err := s.db.Exec(`
		INSERT INTO memories (id, user_id, kind, content, importance, timestamp, retention_until, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, doc.Kind, doc.Content, doc.Importance,
		doc.Timestamp, doc.RetentionUntil, embBytes)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	if s.vecAvailable && len(doc.Embedding) > 0 {
		rowid, err := res.LastInsertId()
		if err == nil {
			if err := s.indexMemoryVec(rowid, doc.ID, doc.Embedding); err != nil {
				logging.Debug("store", "vec index failed for %s: %v", doc.ID, err)
			}
		}
	}
	return nil
}

// SearchMemories returns the k nearest documents to queryEmb within the
// user's collection, after metadata filtering. Uses the sqlite-vec ANN index
// when available, otherwise a full cosine scan.
func (s *DB) SearchMemories(userID string, queryEmb []float64, k int, filter MemoryFilter) ([]MemoryHit, error) {
	if k <= 0 {
		k = 5
	}
	if len(queryEmb) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}

	if s.vecAvailable && s.vecDim == len(queryEmb) {
		hits, err := s.searchVec(userID, queryEmb, k, filter)
		if err == nil {
			return hits, nil
		}
		logging.Debug("store", "vec search failed, falling back to scan: %v", err)
	}
	return s.searchScan(userID, queryEmb, k, filter)
}

// searchVec runs a KNN query against the memory_vec index, over-fetching so
// metadata filtering still yields k results.
func (s *DB) searchVec(userID string, queryEmb []float64, k int, filter MemoryFilter) ([]MemoryHit, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(queryEmb)))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT v.mem_id, v.distance FROM memory_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serialized, k*8)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type cand struct {
		id   string
		dist float64
	}
	var cands []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.dist); err != nil {
			continue
		}
		cands = append(cands, c)
	}

	var hits []MemoryHit
	for _, c := range cands {
		doc, err := s.getMemory(c.id)
		if err != nil || doc == nil {
			continue
		}
		if !matchesFilter(doc, userID, filter) {
			continue
		}
		// Unit vectors: cosine = 1 - L2²/2.
		hits = append(hits, MemoryHit{Doc: doc, Score: 1 - c.dist*c.dist/2})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// searchScan is the O(n) fallback when sqlite-vec is unavailable.
func (s *DB) searchScan(userID string, queryEmb []float64, k int, filter MemoryFilter) ([]MemoryHit, error) {
	query := `SELECT id, user_id, kind, content, importance, timestamp, retention_until, embedding
		FROM memories WHERE user_id = ? AND embedding IS NOT NULL`
	args := []any{userID}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if !filter.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, filter.To)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan memories: %w", err)
	}
	defer rows.Close()

	var hits []MemoryHit
	for rows.Next() {
		doc, err := scanMemory(rows)
		if err != nil {
			continue
		}
		sim := cosineSimilarity(queryEmb, doc.Embedding)
		hits = append(hits, MemoryHit{Doc: doc, Score: sim})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, rows.Err()
}

// ListMemories returns the user's documents of a kind, newest first.
func (s *DB) ListMemories(userID, kind string, limit int) ([]*MemoryDoc, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, content, importance, timestamp, retention_until, embedding
		FROM memories WHERE user_id = ? AND kind = ?
		ORDER BY timestamp DESC LIMIT ?`, userID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []*MemoryDoc
	for rows.Next() {
		doc, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CompressMemories merges the user's dialogue summaries that are past
// retention or low-importance and older than the horizon into one merged
// document, keeping the centroid embedding. Returns how many documents were
// merged away.
func (s *DB) CompressMemories(userID string, now time.Time, lowImportanceHorizon time.Duration) (int, error) {
	horizon := now.Add(-lowImportanceHorizon)
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, content, importance, timestamp, retention_until, embedding
		FROM memories
		WHERE user_id = ? AND kind = ?
		AND (retention_until <= ? OR (importance = ? AND timestamp <= ?))
		ORDER BY timestamp ASC`,
		userID, MemoryDialogueSummary, now, ImportanceLow, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to query compressible memories: %w", err)
	}

	var docs []*MemoryDoc
	for rows.Next() {
		doc, err := scanMemory(rows)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	rows.Close()

	if len(docs) < 2 {
		return 0, nil
	}

	var contents []string
	var embeddings [][]float64
	for _, d := range docs {
		contents = append(contents, d.Content)
		if len(d.Embedding) > 0 {
			embeddings = append(embeddings, d.Embedding)
		}
	}

	merged := &MemoryDoc{
		UserID:         userID,
		Kind:           MemoryDialogueSummary,
		Content:        strings.Join(contents, " / "),
		Importance:     ImportanceLow,
		Timestamp:      docs[len(docs)-1].Timestamp,
		RetentionUntil: docs[len(docs)-1].RetentionUntil.AddDate(0, 0, 30),
		Embedding:      averageEmbeddings(embeddings),
	}

	tx, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, d := range docs {
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, d.ID); err != nil {
			return 0, fmt.Errorf("failed to delete merged memory: %w", err)
		}
		if s.vecAvailable {
			tx.Exec(`DELETE FROM memory_vec WHERE mem_id = ?`, d.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit compression: %w", err)
	}

	if err := s.AddMemory(merged); err != nil {
		return 0, err
	}
	logging.Info("store", "compressed %d dialogue summaries for user %s", len(docs), userID)
	return len(docs), nil
}

// DeleteExpiredMemories removes documents past their retention date.
func (s *DB) DeleteExpiredMemories(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM memories WHERE retention_until <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired memories: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *DB) getMemory(id string) (*MemoryDoc, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, kind, content, importance, timestamp, retention_until, embedding
		FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

func scanMemory(row rowScanner) (*MemoryDoc, error) {
	doc := &MemoryDoc{}
	var embBytes []byte
	if err := row.Scan(&doc.ID, &doc.UserID, &doc.Kind, &doc.Content, &doc.Importance,
		&doc.Timestamp, &doc.RetentionUntil, &embBytes); err != nil {
		return nil, err
	}
	if len(embBytes) > 0 {
		json.Unmarshal(embBytes, &doc.Embedding)
	}
	return doc, nil
}

func matchesFilter(doc *MemoryDoc, userID string, filter MemoryFilter) bool {
	if doc.UserID != userID {
		return false
	}
	if filter.Kind != "" && doc.Kind != filter.Kind {
		return false
	}
	if !filter.From.IsZero() && doc.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !doc.Timestamp.Before(filter.To) {
		return false
	}
	return true
}

// initVecTableFromMemories restores the vec index dimension after a restart.
func (s *DB) initVecTableFromMemories() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM memories WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no memories with embeddings yet; defer to first AddMemory
	}
	var emb64 []float64
	if err := json.Unmarshal(embBytes, &emb64); err != nil || len(emb64) == 0 {
		return nil
	}
	return s.ensureVecTable(len(emb64))
}

// ensureVecTable creates the memory_vec virtual table for the given embedding
// dimension (if not yet created) and backfills existing rows. Uses integer
// rowid plus an auxiliary +mem_id column; vec0's TEXT primary keys partition
// the index and break KNN queries.
func (s *DB) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
			embedding float[%d],
			+mem_id TEXT
		)`, dim))
	if err != nil {
		return fmt.Errorf("failed to create memory_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var emb []byte
		if err := rows.Scan(&rowid, &id, &emb); err != nil {
			continue
		}
		var emb64 []float64
		if err := json.Unmarshal(emb, &emb64); err != nil || len(emb64) != dim {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb64)))
		if serErr != nil {
			continue
		}
		tx.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO memory_vec(rowid, embedding, mem_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		logging.Info("store", "vec backfill: indexed %d memories (dim=%d)", count, dim)
	}
	return nil
}

// indexMemoryVec writes one embedding into the vec index.
func (s *DB) indexMemoryVec(rowid int64, id string, emb []float64) error {
	if err := s.ensureVecTable(len(emb)); err != nil {
		return err
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return err
	}
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
	s.db.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
	_, err = s.db.Exec(`INSERT INTO memory_vec(rowid, embedding, mem_id) VALUES (?, ?, ?)`, rowid, serialized, id)
	return err
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector. Normalizing
// before storing in vec0 makes L2 distance equivalent to cosine distance.
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func averageEmbeddings(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}
	dims := len(embeddings[0])
	result := make([]float64, dims)
	for _, emb := range embeddings {
		if len(emb) != dims {
			continue
		}
		for i, v := range emb {
			result[i] += v
		}
	}
	n := float64(len(embeddings))
	for i := range result {
		result[i] /= n
	}
	return result
}
