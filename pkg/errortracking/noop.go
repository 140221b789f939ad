package errortracking

import "context"

var _ Provider = NoOpProvider{}

// NoOpProvider is installed when error tracking is disabled. The zero value is ready to use.
type NoOpProvider struct{}

func NewNoOpProvider() *NoOpProvider { return &NoOpProvider{} }

func (NoOpProvider) CaptureError(context.Context, error, Severity, map[string]interface{}) {}

func (NoOpProvider) CaptureMessage(context.Context, string, Severity, map[string]interface{}) {}

func (NoOpProvider) CapturePanic(context.Context, interface{}, []byte, map[string]interface{}) {}

// Flush has nothing buffered and always reports success.
func (NoOpProvider) Flush(int) bool { return true }

func (NoOpProvider) Close() error { return nil }
