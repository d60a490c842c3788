// Package ids issues identifiers for webhook deliveries, reconciler runs and lease owners.
package ids

import "github.com/google/uuid"

// Provider issues unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// MustNew returns a fresh identifier from provider, falling back to a random UUIDv4.
func MustNew(provider Provider) string {
	if provider != nil {
		if id, err := provider.NewID(); err == nil && id != "" {
			return id
		}
	}
	return uuid.NewString()
}
