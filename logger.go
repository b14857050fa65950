package sonar

// Logger defines the logging interface for simple string messages.
// Plain strings keep the measurement task allocation-light, which matters
// when the driver runs next to the echo interrupt on microcontrollers
// (TinyGo).
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

var globalLogger Logger = &nopLogger{}

// SetLogger sets the global logger instance. Devices created afterwards
// without a Config.Logger use it.
func SetLogger(l Logger) {
	if l == nil {
		globalLogger = &nopLogger{}
		return
	}
	globalLogger = l
}

// nopLogger discards everything. Handy when the cyclic measurement log
// would drown out application output.
type nopLogger struct{}

func (l *nopLogger) Debug(msg string) {}
func (l *nopLogger) Info(msg string)  {}
func (l *nopLogger) Warn(msg string)  {}
func (l *nopLogger) Error(msg string) {}
