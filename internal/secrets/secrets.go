package secrets

// Store seals and opens secret material persisted with enrollment and
// credential records. Call sites never read secret columns directly, so a
// real cipher can replace Plain without touching them.
type Store interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Plain is the identity Store: secrets are persisted as given. This
// matches the current schema, which stores plaintext (known gap).
type Plain struct{}

func NewPlain() Plain { return Plain{} }

func (Plain) Seal(plaintext string) (string, error) { return plaintext, nil }

func (Plain) Open(sealed string) (string, error) { return sealed, nil }
