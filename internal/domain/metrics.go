package domain

// JobMetrics captures per-stage timings (milliseconds), counts, quality
// and cost figures for one pipeline run. Serialized to jsonb on the job row.
type JobMetrics struct {
	QueueWaitMs int64 `json:"queue_wait_ms"`
	UploadMs    int64 `json:"upload_ms"`
	ExtractMs   int64 `json:"extract_ms"`
	OCRMs       int64 `json:"ocr_ms"`
	ChunkMs     int64 `json:"chunk_ms"`
	EmbedMs     int64 `json:"embed_ms"`
	StoreMs     int64 `json:"store_ms"`

	FileBytes      int64 `json:"file_bytes"`
	ExtractedChars int   `json:"extracted_chars"`
	ChunksCreated  int   `json:"chunks_created"`
	ChunksEmbedded int   `json:"chunks_embedded"`
	ChunksStored   int   `json:"chunks_stored"`

	OCRConfidence    float64 `json:"ocr_confidence,omitempty"`
	ExtractionMethod string  `json:"extraction_method,omitempty"`
	EmbedModel       string  `json:"embed_model,omitempty"`
	AvgChunkSize     int     `json:"avg_chunk_size,omitempty"`

	EmbedTokensUsed   int64   `json:"embed_tokens_used"`
	EstimatedCostUSD  float64 `json:"estimated_cost_usd"`
}
