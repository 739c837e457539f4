package token

// Identity is the normalized identity taken from a verified token. It can only
// be produced by Verifier.Verify.
type Identity struct {
	subject           string
	email             string
	preferredUsername string
	groups            []string
}

// Subject returns the token's sub claim
func (i *Identity) Subject() string { return i.subject }

// Email returns the verified email, never empty
func (i *Identity) Email() string { return i.email }

// PreferredUsername returns the preferred_username claim, possibly empty
func (i *Identity) PreferredUsername() string { return i.preferredUsername }

// Groups returns a copy of the group names, in token order without duplicates
func (i *Identity) Groups() []string {
	out := make([]string, len(i.groups))
	copy(out, i.groups)
	return out
}

// normalizeGroups drops empty names and duplicates, keeping first-seen order.
func normalizeGroups(groups []string) []string {
	seen := make(map[string]bool, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}
