// Package qdrant implements the vector store port over the Qdrant HTTP
// API. The collection stores one point per chunk with the document and
// version metadata the retriever filters on.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// PointID derives the Qdrant point id for a chunk. Qdrant only accepts
// unsigned integers or UUIDs as point ids, so the chunk id is hashed
// into a deterministic UUID; the raw chunk id lives in the payload.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// Store is a Qdrant-backed vector store for one collection.
type Store struct {
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
	httpClient *http.Client
}

var _ domain.VectorStore = (*Store)(nil)

// New constructs a Store bound to one collection.
func New(baseURL, apiKey, collection string, vectorSize int) *Store {
	return &Store{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		vectorSize: vectorSize,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// EnsureCollection creates the collection if it does not exist. Cosine
// distance; search scores convert to distances as 1 - score.
func (s *Store) EnsureCollection(ctx context.Context) error {
	status, _, err := s.do(ctx, http.MethodGet, "/collections/"+s.collection, nil)
	if err != nil {
		return fmt.Errorf("op=vector.ensure: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{"size": s.vectorSize, "distance": "Cosine"},
	}
	status, _, err = s.do(ctx, http.MethodPut, "/collections/"+s.collection, payload)
	if err != nil {
		return fmt.Errorf("op=vector.ensure: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("op=vector.ensure: qdrant status %d", status)
	}
	return nil
}

// Add upserts one point per record and returns the point ids.
func (s *Store) Add(ctx context.Context, records []domain.VectorRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	points := make([]map[string]any, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		pid := PointID(rec.ChunkID)
		ids = append(ids, pid)
		points = append(points, map[string]any{
			"id":      pid,
			"vector":  rec.Embedding,
			"payload": recordPayload(rec),
		})
	}
	status, _, err := s.do(ctx, http.MethodPut, s.pointsPath(""), map[string]any{"points": points})
	if err != nil {
		return nil, fmt.Errorf("op=vector.add: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("op=vector.add: qdrant status %d", status)
	}
	return ids, nil
}

// Search returns the n nearest points, optionally constrained by payload
// filter. Hit distances are cosine distances in [0, 2].
func (s *Store) Search(ctx context.Context, vector []float32, n int, filter map[string]any) ([]domain.VectorHit, error) {
	body := map[string]any{"vector": vector, "limit": n, "with_payload": true}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}
	status, raw, err := s.do(ctx, http.MethodPost, s.pointsPath("/search"), body)
	if err != nil {
		return nil, fmt.Errorf("op=vector.search: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("op=vector.search: qdrant status %d", status)
	}

	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("op=vector.search: %w", err)
	}

	hits := make([]domain.VectorHit, 0, len(out.Result))
	for _, r := range out.Result {
		text, _ := r.Payload["text"].(string)
		hits = append(hits, domain.VectorHit{
			ID:       fmt.Sprint(r.ID),
			Distance: 1 - r.Score,
			Text:     text,
			Metadata: r.Payload,
		})
	}
	return hits, nil
}

// Get scrolls points matching the filter with pagination.
func (s *Store) Get(ctx context.Context, filter map[string]any, limit, offset int) ([]domain.VectorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	body := map[string]any{"limit": limit, "offset": offset, "with_payload": true, "with_vector": true}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}
	status, raw, err := s.do(ctx, http.MethodPost, s.pointsPath("/scroll"), body)
	if err != nil {
		return nil, fmt.Errorf("op=vector.get: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("op=vector.get: qdrant status %d", status)
	}

	var out struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("op=vector.get: %w", err)
	}

	records := make([]domain.VectorRecord, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		records = append(records, recordFromPayload(fmt.Sprint(p.ID), p.Vector, p.Payload))
	}
	return records, nil
}

// Update merges metadata into the payload of the given points.
func (s *Store) Update(ctx context.Context, ids []string, metadata map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"payload": metadata, "points": ids}
	status, _, err := s.do(ctx, http.MethodPost, s.pointsPath("/payload"), body)
	if err != nil {
		return fmt.Errorf("op=vector.update: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("op=vector.update: qdrant status %d", status)
	}
	return nil
}

// Delete removes points by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	status, _, err := s.do(ctx, http.MethodPost, s.pointsPath("/delete"), map[string]any{"points": ids})
	if err != nil {
		return fmt.Errorf("op=vector.delete: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("op=vector.delete: qdrant status %d", status)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (s *Store) Count(ctx context.Context) (int64, error) {
	status, raw, err := s.do(ctx, http.MethodPost, s.pointsPath("/count"), map[string]any{"exact": true})
	if err != nil {
		return 0, fmt.Errorf("op=vector.count: %w", err)
	}
	if status < 200 || status >= 300 {
		return 0, fmt.Errorf("op=vector.count: qdrant status %d", status)
	}
	var out struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("op=vector.count: %w", err)
	}
	return out.Result.Count, nil
}

// Reset drops and recreates the collection.
func (s *Store) Reset(ctx context.Context) error {
	status, _, err := s.do(ctx, http.MethodDelete, "/collections/"+s.collection, nil)
	if err != nil {
		return fmt.Errorf("op=vector.reset: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("op=vector.reset: qdrant status %d", status)
	}
	return s.EnsureCollection(ctx)
}

func (s *Store) pointsPath(suffix string) string {
	return "/collections/" + s.collection + "/points" + suffix
}

func (s *Store) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// qdrantFilter translates flat equality filters into a must clause.
func qdrantFilter(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter))
	for k, v := range filter {
		must = append(must, map[string]any{"key": k, "match": map[string]any{"value": v}})
	}
	return map[string]any{"must": must}
}

func recordPayload(rec domain.VectorRecord) map[string]any {
	payload := map[string]any{
		"chunk_id":      rec.ChunkID,
		"document_id":   rec.DocumentID,
		"project_id":    rec.ProjectID,
		"embed_version": rec.EmbedVersion,
		"sha256":        rec.SHA256,
		"text":          rec.Text,
	}
	for k, v := range rec.Metadata {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return payload
}

func recordFromPayload(id string, vector []float32, payload map[string]any) domain.VectorRecord {
	str := func(k string) string {
		v, _ := payload[k].(string)
		return v
	}
	chunkID := str("chunk_id")
	if chunkID == "" {
		chunkID = id
	}
	return domain.VectorRecord{
		ChunkID:      chunkID,
		DocumentID:   str("document_id"),
		ProjectID:    str("project_id"),
		EmbedVersion: str("embed_version"),
		SHA256:       str("sha256"),
		Text:         str("text"),
		Embedding:    vector,
		Metadata:     payload,
	}
}
