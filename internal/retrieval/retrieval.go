// Package retrieval assembles the knowledge context injected into LLM
// prompts. For each admitted request it fingerprints the request, consults
// the retrieval-context cache, and on a miss fans out to the selected
// knowledge-base partitions in parallel, merges the results, and formats a
// single context blob. Partition failures degrade the context instead of
// failing the request; degraded contexts are never cached.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stridelab/coachgate/internal/cache"
	"github.com/stridelab/coachgate/internal/model"
)

// Timeouts for one assembly pass. The scope bounds the whole fan-out; each
// partition gets a tighter individual deadline so one slow partition cannot
// consume the scope on its own.
const (
	scopeTimeout     = 2 * time.Second
	partitionTimeout = 1500 * time.Millisecond
)

// DefaultMaxChunks caps the merged chunk count per context.
const DefaultMaxChunks = 12

// chunksPerPartition is the fetch size per partition query. Over-fetching
// relative to the merged cap keeps the merge meaningful after dedupe.
const chunksPerPartition = 6

// Chunk is one retrieved knowledge fragment.
type Chunk struct {
	ID        string  `json:"id"`
	Partition string  `json:"partition"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// SearchIndex answers partition-scoped similarity queries.
// Implementations must be safe for concurrent use.
type SearchIndex interface {
	Query(ctx context.Context, partition, query string, limit int) ([]Chunk, error)
}

// Recorder receives per-partition telemetry. Implemented by the monitor; a
// nil Recorder disables recording.
type Recorder interface {
	PartitionQuery(partition string, elapsed time.Duration, failed bool)
}

// Context is one assembled retrieval context.
type Context struct {
	Fingerprint string   `json:"fingerprint"`
	Partitions  []string `json:"partitions"`
	Chunks      []Chunk  `json:"chunks,omitempty"`
	ChunkCount  int      `json:"chunk_count"`
	Blob        string   `json:"blob"`
	Degraded    bool     `json:"degraded"`
	CacheHit    bool     `json:"-"`
}

// Options tunes one assembly pass.
type Options struct {
	// MaxChunks caps the merged chunk count. Negative selects the
	// orchestrator default; zero skips retrieval entirely and yields a
	// header-only context.
	MaxChunks int
	// NoCache skips both the cache lookup and the cache write.
	NoCache bool
	// TTL overrides the cache TTL for the written entry. Non-positive
	// uses the family default.
	TTL time.Duration
}

// DefaultOptions returns the options Assemble uses: default chunk cap,
// caching on, family TTL.
func DefaultOptions() Options { return Options{MaxChunks: -1} }

// Orchestrator runs the fingerprint, cache, fan-out, merge, format pipeline.
type Orchestrator struct {
	index     SearchIndex
	cache     *cache.RetrievalContextCache
	recorder  Recorder
	logger    *slog.Logger
	maxChunks int
}

// New builds an Orchestrator. cache and recorder may be nil. A negative
// maxChunks selects DefaultMaxChunks; zero makes every context header-only
// unless a call overrides it.
func New(index SearchIndex, ctxCache *cache.RetrievalContextCache, recorder Recorder, logger *slog.Logger, maxChunks int) *Orchestrator {
	if maxChunks < 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Orchestrator{
		index:     index,
		cache:     ctxCache,
		recorder:  recorder,
		logger:    logger,
		maxChunks: maxChunks,
	}
}

// Assemble returns the retrieval context for one request under the default
// options. It never returns an error for partition failures: a partial or
// empty context comes back with Degraded set and the caller proceeds
// without the missing knowledge.
func (o *Orchestrator) Assemble(ctx context.Context, endpoint, query string, shape model.Shape, user model.UserShape, partitions []string) Context {
	return o.AssembleWith(ctx, endpoint, query, shape, user, partitions, DefaultOptions())
}

// AssembleWith runs the pipeline with per-call options.
func (o *Orchestrator) AssembleWith(ctx context.Context, endpoint, query string, shape model.Shape, user model.UserShape, partitions []string, opts Options) Context {
	fp := Fingerprint(shape, user)
	maxChunks := opts.MaxChunks
	if maxChunks < 0 {
		maxChunks = o.maxChunks
	}

	if o.cache != nil && !opts.NoCache {
		var cached Context
		if o.cache.Get(ctx, endpoint, fp, &cached) {
			cached.Fingerprint = fp
			cached.CacheHit = true
			return cached
		}
	}

	var chunks []Chunk
	failed := 0
	if maxChunks > 0 {
		chunks, failed = o.fanOut(ctx, query, partitions, maxChunks)
	}

	out := Context{
		Fingerprint: fp,
		Partitions:  partitions,
		Chunks:      chunks,
		ChunkCount:  len(chunks),
		Blob:        formatBlob(partitions, chunks),
		Degraded:    failed > 0,
	}

	if failed > 0 {
		o.logger.Warn("retrieval: degraded context",
			"endpoint", endpoint, "partitions", len(partitions), "failed", failed)
	}

	// A degraded context must not mask the full one once partitions recover.
	if o.cache != nil && !opts.NoCache && !out.Degraded {
		o.cache.Set(ctx, endpoint, fp, out, opts.TTL)
	}
	return out
}

// ContextChunks is the structured variant: the merged chunk list without
// the formatted blob, for callers that synthesize their own prompts. The
// boolean reports degradation.
func (o *Orchestrator) ContextChunks(ctx context.Context, endpoint, query string, shape model.Shape, user model.UserShape, partitions []string, opts Options) ([]Chunk, bool) {
	c := o.AssembleWith(ctx, endpoint, query, shape, user, partitions, opts)
	return c.Chunks, c.Degraded
}

// fanOut queries every partition in parallel and merges the results. It
// returns the merged chunks and the number of partitions that failed or
// timed out.
func (o *Orchestrator) fanOut(ctx context.Context, query string, partitions []string, maxChunks int) ([]Chunk, int) {
	scopeCtx, cancel := context.WithTimeout(ctx, scopeTimeout)
	defer cancel()

	results := make([][]Chunk, len(partitions))
	errs := make([]error, len(partitions))

	g, gctx := errgroup.WithContext(scopeCtx)
	for i, partition := range partitions {
		g.Go(func() error {
			pctx, pcancel := context.WithTimeout(gctx, partitionTimeout)
			defer pcancel()

			start := time.Now()
			chunks, err := o.index.Query(pctx, partition, query, chunksPerPartition)
			if o.recorder != nil {
				o.recorder.PartitionQuery(partition, time.Since(start), err != nil)
			}
			if err != nil {
				o.logger.Warn("retrieval: partition query failed",
					"partition", partition, "error", err)
				errs[i] = err
				return nil // one partition failing must not cancel the rest
			}
			results[i] = chunks
			return nil
		})
	}
	_ = g.Wait() // goroutines only ever return nil

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return merge(results, maxChunks), failed
}

// merge flattens per-partition results, dedupes by chunk ID keeping the
// highest score, and returns the top maxChunks by score.
func merge(results [][]Chunk, maxChunks int) []Chunk {
	best := make(map[string]Chunk)
	for _, chunks := range results {
		for _, c := range chunks {
			if prev, ok := best[c.ID]; !ok || c.Score > prev.Score {
				best[c.ID] = c
			}
		}
	}

	merged := make([]Chunk, 0, len(best))
	for _, c := range best {
		merged = append(merged, c)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID // stable tie-break
	})
	if len(merged) > maxChunks {
		merged = merged[:maxChunks]
	}
	return merged
}

// NoopIndex serves empty results when no search backend is configured.
// Contexts assemble as empty, not degraded.
type NoopIndex struct{}

// Query returns no chunks.
func (NoopIndex) Query(context.Context, string, string, int) ([]Chunk, error) {
	return nil, nil
}

const chunkDelimiter = "\n\n---\n\n"

// formatBlob renders the merged chunks as a single prompt-ready block: a
// header naming the sources, then each chunk tagged with its partition.
// With no chunks the header alone is returned.
func formatBlob(partitions []string, chunks []Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[knowledge context | sources: %s | chunks: %d]",
		strings.Join(partitions, ", "), len(chunks))

	for _, c := range chunks {
		b.WriteString(chunkDelimiter)
		fmt.Fprintf(&b, "[%s] %s", c.Partition, c.Text)
	}
	return b.String()
}
