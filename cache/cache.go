package cache

import "context"

// AnnotationCache fans annotation events out to every dashboard instance
// watching the same scope.
type AnnotationCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error
	Close() error
}
