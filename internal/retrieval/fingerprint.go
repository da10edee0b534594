package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/stridelab/coachgate/internal/model"
)

// Fingerprint derives the cache key digest for a request. Two requests that
// would produce the same retrieval context must fingerprint identically, so
// the input is canonicalized first: shape fields are key-sorted and
// lowercased, and only the salient profile fields participate. Field
// insertion order never affects the result.
func Fingerprint(shape model.Shape, user model.UserShape) string {
	keys := make([]string, 0, len(shape))
	for k := range shape {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strings.ToLower(k))
		b.WriteByte('=')
		b.WriteString(strings.ToLower(shape[k]))
		b.WriteByte(';')
	}

	flags := make([]string, len(user.InjuryFlags))
	for i, f := range user.InjuryFlags {
		flags[i] = strings.ToLower(f)
	}
	sort.Strings(flags)

	b.WriteString("|experience=")
	b.WriteString(strings.ToLower(user.Experience))
	b.WriteString(";goal=")
	b.WriteString(strings.ToLower(user.PrimaryGoal))
	b.WriteString(";program=")
	b.WriteString(strings.ToLower(user.ActiveProgramType))
	b.WriteString(";injuries=")
	b.WriteString(strings.Join(flags, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
