// Package knowledge archives case embeddings and retrieves similar cases
// for the planner. Redis holds the vector index when configured; a lexical
// token-overlap ranking over recent stored cases covers the rest. Retrieval
// is advisory: every failure degrades to an empty result, never an error
// that blocks an iteration.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/telemetry"
)

// EmbeddingDims is the fixed embedding width.
const EmbeddingDims = 16

// SimpleEmbedding maps text to an L2-normalized vector built from the first
// EmbeddingDims bytes of its SHA-256 digest. Deterministic and cheap; good
// enough for near-duplicate retrieval without a model dependency.
func SimpleEmbedding(text string) []float64 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float64, EmbeddingDims)
	norm := 0.0
	for i := 0; i < EmbeddingDims; i++ {
		vec[i] = float64(digest[i]) / 255.0
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Hit is one retrieval result.
type Hit struct {
	CaseID        string   `json:"case_id"`
	TaskSummary   string   `json:"task_summary"`
	Tags          []string `json:"tags"`
	FailureReason string   `json:"failure_reason"`
	FixStrategy   string   `json:"fix_strategy"`
	Score         float64  `json:"score"`
}

// CaseLister is the slice of the store the lexical fallback needs.
type CaseLister interface {
	RecentCases(ctx context.Context, limit int) ([]model.CaseRecord, error)
}

// Index is the case knowledge base.
type Index struct {
	client *redis.Client
	key    string
	cases  CaseLister
	logger telemetry.Logger
}

// NewIndex wires the knowledge base. REDIS_ADDR empty means no vector index;
// everything runs on the lexical fallback.
func NewIndex(cfg config.Settings, cases CaseLister, logger telemetry.Logger) *Index {
	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	return &Index{client: client, key: cfg.CaseIndexKey, cases: cases, logger: logger}
}

// Ping reports vector index reachability for readiness checks. A nil client
// reports healthy because the lexical fallback still serves searches.
func (ix *Index) Ping(ctx context.Context) error {
	if ix.client == nil {
		return nil
	}
	return ix.client.Ping(ctx).Err()
}

// Enabled reports whether a vector index is configured.
func (ix *Index) Enabled() bool { return ix.client != nil }

type indexEntry struct {
	Hit
	Embedding []float64 `json:"embedding"`
}

// UpsertCase writes one case's embedding into the index. Failures are
// logged and swallowed; archiving must never fail a job.
func (ix *Index) UpsertCase(ctx context.Context, c model.CaseRecord) {
	if ix.client == nil || len(c.Embedding) == 0 {
		return
	}
	entry := indexEntry{
		Hit: Hit{
			CaseID:        c.ID,
			TaskSummary:   c.TaskSummary,
			Tags:          c.Tags,
			FailureReason: c.FailureReason,
			FixStrategy:   c.FixStrategy,
		},
		Embedding: c.Embedding,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := ix.client.HSet(ctx, ix.key, c.ID, raw).Err(); err != nil {
		ix.logger.Warn(ctx, "case index upsert failed", "case_id", c.ID, "error", err.Error())
	}
}

// Search ranks cases against the query: cosine similarity over the vector
// index when it answers, lexical token overlap over recent cases otherwise.
func (ix *Index) Search(ctx context.Context, query string, topK int) []Hit {
	if topK <= 0 {
		topK = 5
	}
	if hits := ix.vectorSearch(ctx, query, topK); len(hits) > 0 {
		return hits
	}
	return ix.lexicalSearch(ctx, query, topK)
}

func (ix *Index) vectorSearch(ctx context.Context, query string, topK int) []Hit {
	if ix.client == nil {
		return nil
	}
	entries, err := ix.client.HGetAll(ctx, ix.key).Result()
	if err != nil {
		ix.logger.Warn(ctx, "case index search failed", "error", err.Error())
		return nil
	}
	queryVec := SimpleEmbedding(query)
	hits := make([]Hit, 0, len(entries))
	for _, raw := range entries {
		var entry indexEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entry.Hit.Score = cosine(queryVec, entry.Embedding)
		hits = append(hits, entry.Hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (ix *Index) lexicalSearch(ctx context.Context, query string, topK int) []Hit {
	if ix.cases == nil {
		return nil
	}
	rows, err := ix.cases.RecentCases(ctx, 200)
	if err != nil {
		ix.logger.Warn(ctx, "lexical case search failed", "error", err.Error())
		return nil
	}
	queryTokens := tokenize(query)
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		text := row.TaskSummary + " " + strings.Join(row.Tags, " ")
		tokens := tokenize(text)
		overlap := 0
		for token := range queryTokens {
			if tokens[token] {
				overlap++
			}
		}
		denom := len(queryTokens)
		if denom < 1 {
			denom = 1
		}
		hits = append(hits, Hit{
			CaseID:        row.ID,
			TaskSummary:   row.TaskSummary,
			Tags:          row.Tags,
			FailureReason: row.FailureReason,
			FixStrategy:   row.FixStrategy,
			Score:         float64(overlap) / float64(denom),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Retrieve returns cases for the planner. Advisory: any failure is an empty
// slice.
func (ix *Index) Retrieve(ctx context.Context, instruction string, topK int) []model.CaseRecord {
	hits := ix.Search(ctx, instruction, topK)
	cases := make([]model.CaseRecord, 0, len(hits))
	for _, h := range hits {
		cases = append(cases, model.CaseRecord{
			ID:            h.CaseID,
			TaskSummary:   h.TaskSummary,
			Tags:          h.Tags,
			FailureReason: h.FailureReason,
			FixStrategy:   h.FixStrategy,
		})
	}
	return cases
}

func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, token := range strings.Fields(strings.ToLower(text)) {
		tokens[token] = true
	}
	return tokens
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dot, normA, normB := 0.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
