package fcache

import "context"

// NoOpStorage is a Storage stub that disables caching: writes are discarded
// and reads never find anything.
type NoOpStorage struct{}

var _ Storage = NoOpStorage{}

// Read does not find anything.
func (NoOpStorage) Read(_ context.Context, _ string) (interface{}, error) {
	return nil, ErrCacheItemNotFound
}

// Lock is a no-op.
func (NoOpStorage) Lock(_ context.Context, _ string) error {
	return nil
}

// Write discards value.
func (NoOpStorage) Write(_ context.Context, _ string, _ interface{}, _ Dependencies) error {
	return nil
}

// Remove is a no-op.
func (NoOpStorage) Remove(_ context.Context, _ string) error {
	return nil
}

// Clean is a no-op.
func (NoOpStorage) Clean(_ context.Context, _ CleanConditions) error {
	return nil
}
