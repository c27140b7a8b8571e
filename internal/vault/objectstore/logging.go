package objectstore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging traces every call on the wrapped store at debug level.
type Logging struct {
	log   *zap.Logger
	inner Store
}

// NewLogging wraps inner so each call is logged to log.
func NewLogging(log *zap.Logger, inner Store) *Logging {
	return &Logging{log: log, inner: inner}
}

func (l *Logging) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := l.inner.Get(ctx, key)
	l.log.Debug("Get", zap.String("key", key), zap.Int("value length", len(v)), zap.Error(err))
	return v, err
}

func (l *Logging) Put(ctx context.Context, key string, value []byte) error {
	err := l.inner.Put(ctx, key, value)
	l.log.Debug("Put", zap.String("key", key), zap.Int("value length", len(value)), zap.Error(err))
	return err
}

func (l *Logging) Delete(ctx context.Context, key string) error {
	err := l.inner.Delete(ctx, key)
	l.log.Debug("Delete", zap.String("key", key), zap.Error(err))
	return err
}

func (l *Logging) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := l.inner.Exists(ctx, key)
	l.log.Debug("Exists", zap.String("key", key), zap.Bool("exists", ok), zap.Error(err))
	return ok, err
}

func (l *Logging) Keys(ctx context.Context) ([]string, error) {
	keys, err := l.inner.Keys(ctx)
	l.log.Debug("Keys", zap.Int("count", len(keys)), zap.Error(err))
	return keys, err
}

func (l *Logging) DeleteAll(ctx context.Context) error {
	err := l.inner.DeleteAll(ctx)
	l.log.Debug("DeleteAll", zap.Error(err))
	return err
}

func (l *Logging) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	t, err := l.inner.UpdateDate(ctx, key)
	l.log.Debug("UpdateDate", zap.String("key", key), zap.Time("updated", t), zap.Error(err))
	return t, err
}

// CreateChild returns the child store wrapped in a logger named after it.
func (l *Logging) CreateChild(ctx context.Context, name string) (Store, error) {
	child, err := l.inner.CreateChild(ctx, name)
	l.log.Debug("CreateChild", zap.String("name", name), zap.Error(err))
	if err != nil {
		return nil, err
	}
	return NewLogging(l.log.Named(name), child), nil
}

func (l *Logging) DeleteChild(ctx context.Context, name string) error {
	err := l.inner.DeleteChild(ctx, name)
	l.log.Debug("DeleteChild", zap.String("name", name), zap.Error(err))
	return err
}

func (l *Logging) ChildExists(ctx context.Context, name string) (bool, error) {
	ok, err := l.inner.ChildExists(ctx, name)
	l.log.Debug("ChildExists", zap.String("name", name), zap.Bool("exists", ok), zap.Error(err))
	return ok, err
}

// Invalidate forwards to the inner store when it caches.
func (l *Logging) Invalidate(key string) {
	if inv, ok := l.inner.(Invalidator); ok {
		inv.Invalidate(key)
	}
}
