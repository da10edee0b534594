package coachgate

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	redisURL    string
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	searchIndex SearchIndex
	llmClient   LLMClient
}

// WithPort overrides the TCP port from config (COACHGATE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithRedisURL overrides the Redis connection string from config (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler for queries, since LISTEN/NOTIFY
// requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSearchIndex replaces the Qdrant-backed knowledge index.
func WithSearchIndex(s SearchIndex) Option {
	return func(o *resolvedOptions) { o.searchIndex = s }
}

// WithLLMClient replaces the OpenAI completion client.
func WithLLMClient(c LLMClient) Option {
	return func(o *resolvedOptions) { o.llmClient = c }
}
