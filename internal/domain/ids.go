package domain

import (
	"fmt"
	"strings"
)

// UserID is a federated user identifier of the form "@localpart:domain".
type UserID struct {
	Localpart string
	Domain    string
}

func (u UserID) String() string {
	return "@" + u.Localpart + ":" + u.Domain
}

// ParseUserID validates the strict user-id syntax. Anything malformed fails
// the whole request it arrived in, so the error message names the id.
func ParseUserID(id string) (UserID, error) {
	if !strings.HasPrefix(id, "@") {
		return UserID{}, fmt.Errorf("invalid user id %q: missing @ sigil", id)
	}
	rest := id[1:]
	sep := strings.Index(rest, ":")
	if sep < 1 {
		return UserID{}, fmt.Errorf("invalid user id %q: missing localpart or domain", id)
	}
	localpart, dom := rest[:sep], rest[sep+1:]
	if dom == "" {
		return UserID{}, fmt.Errorf("invalid user id %q: empty domain", id)
	}
	return UserID{Localpart: localpart, Domain: dom}, nil
}

// DomainFromID extracts the owning domain of an already-validated id.
func DomainFromID(id string) (string, error) {
	parsed, err := ParseUserID(id)
	if err != nil {
		return "", err
	}
	return parsed.Domain, nil
}
