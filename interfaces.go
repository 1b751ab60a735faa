package tsunagi

// Instrumentation is one patchable request surface managed by the SDK.
// Enable installs the instrumented implementation over the original;
// Disable restores the original exactly as it was. Both are idempotent.
type Instrumentation interface {
	// Name identifies the surface ("webreq", "fetch") in logs.
	Name() string

	// Enable installs the instrumentation. Safe to call twice.
	Enable()

	// Disable restores the original implementation. Safe to call twice.
	Disable()

	// Enabled reports whether the instrumentation is currently installed.
	Enabled() bool
}
