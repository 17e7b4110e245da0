package rows

import "github.com/google/uuid"

// IDProvider mints primary keys for inserted rows.
type IDProvider interface {
	NewID() (string, error)
}

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls f.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider mints time-ordered UUIDv7 keys, so rows sort by insertion
// without a separate sequence column.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}
