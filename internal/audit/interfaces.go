package audit

import "context"

// Scanner executes an audit and returns its report.
type Scanner interface {
	Scan(ctx context.Context, params ScanParams) (Report, error)
}

// Handle is an expensive, long-lived resource owned by a pool (a browser process).
type Handle interface {
	Close(ctx context.Context) error
}

// Launcher creates new Handles on demand.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}

// Publisher pushes scan lifecycle events to Pub/Sub (or similar). event names the
// event type, e.g. "scan.completed".
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}
