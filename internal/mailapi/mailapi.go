// Package mailapi declares the narrow interfaces sealmail consumes from the
// mail provider's API client. The provider client itself (HTTP, OAuth) is an
// external collaborator; the engines only depend on these interfaces and on
// the error categories below.
package mailapi

import "context"

// Format selects how a message is fetched: Full is the provider's parsed
// representation, Raw is the original wire bytes. The decryption engine
// falls back from Full to Raw when the parsed form looks mangled.
type Format string

const (
	FormatFull Format = "full"
	FormatRaw  Format = "raw"
)

// Draft is a provider-side draft.
type Draft struct {
	ID       string
	ThreadID string
	MIME     []byte
}

// Drafts is the draft CRUD surface of the provider.
type Drafts interface {
	Get(ctx context.Context, id string) (*Draft, error)
	Create(ctx context.Context, threadID string, mime []byte) (*Draft, error)
	Update(ctx context.Context, id string, mime []byte) (*Draft, error)
	Delete(ctx context.Context, id string) error
}

// Messages is the message surface of the provider.
type Messages interface {
	Send(ctx context.Context, mime []byte) (string, error)
	Get(ctx context.Context, id string, format Format) ([]byte, error)
}
