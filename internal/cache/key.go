package cache

import (
	"fmt"
	"strings"

	cerrors "github.com/objectfs/tiercache/pkg/errors"
)

// Separator joins the parts of a rendered key.
const Separator = ":"

// Key identifies one cached value: an entity, its id and an optional variant
// such as an output encoding. Variants of one entity share the entity prefix
// so they can be evicted together.
type Key struct {
	Entity  string
	ID      string
	Variant string
}

// NewKey builds a Key without a variant.
func NewKey(entity, id string) Key {
	return Key{Entity: entity, ID: id}
}

// WithVariant returns a copy of k for the given variant.
func (k Key) WithVariant(variant string) Key {
	k.Variant = variant
	return k
}

// String renders entity:id or entity:id:variant.
func (k Key) String() string {
	if k.Variant == "" {
		return k.Entity + Separator + k.ID
	}
	return k.Entity + Separator + k.ID + Separator + k.Variant
}

// Base renders the key without its variant.
func (k Key) Base() string {
	return EntityPrefix(k.Entity, k.ID)
}

// Validate rejects keys that would render ambiguously.
func (k Key) Validate() error {
	switch {
	case k.Entity == "" || k.ID == "":
		return cerrors.NewError(cerrors.ErrCodeInvalidKey, "entity and id are required").
			WithComponent("cache").WithKey(k.String())
	case strings.Contains(k.Entity, Separator) || strings.Contains(k.ID, Separator):
		return cerrors.NewError(cerrors.ErrCodeInvalidKey,
			fmt.Sprintf("entity and id must not contain %q", Separator)).
			WithComponent("cache").WithKey(k.String())
	}
	return nil
}

// EntityPrefix renders the part of every key of one entity that precedes
// the variant.
func EntityPrefix(entity, id string) string {
	return entity + Separator + id
}

// ParseKey is the inverse of Key.String. The variant may itself contain the
// separator.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, Separator, 3)
	if len(parts) < 2 {
		return Key{}, cerrors.NewError(cerrors.ErrCodeInvalidKey, "expected entity:id[:variant]").
			WithComponent("cache").WithKey(s)
	}
	k := Key{Entity: parts[0], ID: parts[1]}
	if len(parts) == 3 {
		k.Variant = parts[2]
	}
	return k, k.Validate()
}

// BaseOf strips the variant from a rendered key. Strings that do not parse
// are returned unchanged.
func BaseOf(s string) string {
	k, err := ParseKey(s)
	if err != nil {
		return s
	}
	return k.Base()
}

// belongsTo reports whether key is base itself or one of its variants.
func belongsTo(key, base string) bool {
	if !strings.HasPrefix(key, base) {
		return false
	}
	return len(key) == len(base) || strings.HasPrefix(key[len(base):], Separator)
}
