package querysync

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around your logging stack
// (see log/zap, log/logrus, log/slog). If Options.Logger is nil, logging is disabled.
//
// The engine never logs values. Keys appear under "key" in their readable
// form, or as a digest from package persist, whose records may sit in shared
// storage. Warn marks failed fetches, rollbacks and incomplete cascades;
// retries, superseded rounds and skipped saves are Debug.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
