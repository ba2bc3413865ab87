package verifier

import "context"

// MockVerifier is a test double that resolves a fixed set of names.
type MockVerifier struct {
	Known map[string]Identity
}

// NewMockVerifier returns a verifier that only recognizes the given names.
func NewMockVerifier(known map[string]Identity) *MockVerifier {
	return &MockVerifier{Known: known}
}

func (m *MockVerifier) Verify(ctx context.Context, bungieName string) (*Identity, error) {
	id, ok := m.Known[bungieName]
	if !ok {
		return nil, ErrUnknownName
	}
	return &id, nil
}
