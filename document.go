package lightodm

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Document is the contract every persistable type must satisfy. Embedding
// Model satisfies it.
type Document interface {
	DocumentID() string
	SetDocumentID(id string)
}

// Model is the embeddable base for document types. The identity lives
// under the logical field name "id"; the mapping layer renames it to the
// store's reserved "_id" key on the way out and back on the way in.
//
// Extra collects keys present on the stored document but not declared on
// the embedding struct, so unknown fields survive a load→mutate→save
// round trip. The bson inline tag merges it with the declared fields only
// at the serialization boundary.
type Model struct {
	ID    string `bson:"id,omitempty" json:"id,omitempty"`
	Extra bson.M `bson:",inline" json:"-"`
}

// NewModel returns a Model with a freshly minted random identity, so the
// instance is addressable before it is ever saved.
func NewModel() Model {
	return Model{ID: GenerateID()}
}

func (m *Model) DocumentID() string      { return m.ID }
func (m *Model) SetDocumentID(id string) { m.ID = id }

// Settings is the per-type configuration, resolved once when a Base is
// constructed and immutable afterwards.
type Settings struct {
	// Collection is the backing collection name. Required.
	Collection string

	// CompositeKey optionally names the fields whose values derive the
	// identity deterministically. When set, identities are content hashes
	// and an explicitly assigned ID is overridden at save time.
	CompositeKey []string
}

// resolveSettings validates Settings at registration time so
// misdeclarations fail before any operation runs.
func resolveSettings(s Settings) (Settings, error) {
	if s.Collection == "" {
		return Settings{}, fmt.Errorf("%w: collection name is required in Settings", ErrConfiguration)
	}
	if s.CompositeKey != nil && len(s.CompositeKey) == 0 {
		return Settings{}, fmt.Errorf("%w: composite key must name at least one field", ErrConfiguration)
	}
	cp := s
	cp.CompositeKey = append([]string(nil), s.CompositeKey...)
	return cp, nil
}
