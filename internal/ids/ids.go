// Package ids defines the owner-embedded, lexicographically sortable
// identifiers used across cronback.
//
// Owned identifiers have the printable form <prefix>_<owner>.<lex-id> where
// prefix is the object kind tag, owner is the project's base-32 id and lex-id
// is a ULID. Because ULIDs are time-ordered, ids of the same kind and owner
// sort in creation order, which cursor pagination relies on.
package ids

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Kind is the 2-5 letter object kind tag embedded in every identifier.
type Kind string

const (
	KindTrigger Kind = "trig"
	KindRun     Kind = "run"
	KindAttempt Kind = "att"
	KindProject Kind = "prj"
	KindAccount Kind = "acc"
	KindAPIKey  Kind = "sk"
)

// MaxLen is the maximum total length of an identifier on the wire.
const MaxLen = 64

type (
	ProjectId string
	AccountId string
	TriggerId string
	RunId     string
	AttemptId string
	APIKeyId  string
)

// NewProjectId generates a fresh project id (prj_<ULID>).
func NewProjectId() ProjectId {
	return ProjectId(string(KindProject) + "_" + ulid.Make().String())
}

// NewAccountId generates a fresh account id (acc_<ULID>).
func NewAccountId() AccountId {
	return AccountId(string(KindAccount) + "_" + ulid.Make().String())
}

func NewTriggerId(owner ProjectId) TriggerId {
	return TriggerId(generate(KindTrigger, owner))
}

func NewRunId(owner ProjectId) RunId {
	return RunId(generate(KindRun, owner))
}

func NewAttemptId(owner ProjectId) AttemptId {
	return AttemptId(generate(KindAttempt, owner))
}

func NewAPIKeyId(owner ProjectId) APIKeyId {
	return APIKeyId(generate(KindAPIKey, owner))
}

func generate(kind Kind, owner ProjectId) string {
	return fmt.Sprintf("%s_%s.%s", kind, owner.Lex(), ulid.Make().String())
}

func (p ProjectId) String() string { return string(p) }

// Lex returns the base-32 portion of the project id, used as the owner
// segment of owned identifiers.
func (p ProjectId) Lex() string {
	return strings.TrimPrefix(string(p), string(KindProject)+"_")
}

func (p ProjectId) IsValid() bool {
	rest, ok := strings.CutPrefix(string(p), string(KindProject)+"_")
	if !ok || len(string(p)) > MaxLen {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}

// ProjectIdFromLex reconstructs a project id from its owner segment.
func ProjectIdFromLex(lex string) ProjectId {
	return ProjectId(string(KindProject) + "_" + lex)
}

func (a AccountId) String() string { return string(a) }

func (a AccountId) IsValid() bool {
	return strings.HasPrefix(string(a), string(KindAccount)+"_") && len(string(a)) <= MaxLen
}

func (t TriggerId) String() string   { return string(t) }
func (t TriggerId) IsValid() bool    { return isValidOwned(string(t), KindTrigger) }
func (t TriggerId) Owner() ProjectId { return ownerOf(string(t)) }
func (r RunId) String() string       { return string(r) }
func (r RunId) IsValid() bool        { return isValidOwned(string(r), KindRun) }
func (r RunId) Owner() ProjectId     { return ownerOf(string(r)) }
func (a AttemptId) String() string   { return string(a) }
func (a AttemptId) IsValid() bool    { return isValidOwned(string(a), KindAttempt) }
func (k APIKeyId) String() string    { return string(k) }
func (k APIKeyId) IsValid() bool     { return isValidOwned(string(k), KindAPIKey) }
func (k APIKeyId) Owner() ProjectId  { return ownerOf(string(k)) }
func (a AttemptId) Owner() ProjectId { return ownerOf(string(a)) }

// Parsed is the result of decomposing an identifier.
type Parsed struct {
	Kind  Kind
	Owner ProjectId
	Lex   string
}

// Parse decomposes a raw identifier into (kind, owner, lex-id). The owner is
// returned in its full prj_ form, ready for cell assignment.
func Parse(raw string) (Parsed, error) {
	if len(raw) > MaxLen {
		return Parsed{}, fmt.Errorf("id exceeds %d characters", MaxLen)
	}
	prefix, rest, ok := strings.Cut(raw, "_")
	if !ok || prefix == "" || rest == "" {
		return Parsed{}, fmt.Errorf("malformed id %q", raw)
	}
	kind := Kind(prefix)
	switch kind {
	case KindProject, KindAccount:
		if _, err := ulid.ParseStrict(rest); err != nil {
			return Parsed{}, fmt.Errorf("malformed id %q: %w", raw, err)
		}
		return Parsed{Kind: kind, Owner: ProjectIdFromLex(rest), Lex: rest}, nil
	case KindTrigger, KindRun, KindAttempt, KindAPIKey:
	default:
		return Parsed{}, fmt.Errorf("unknown id kind %q", prefix)
	}
	owner, lex, ok := strings.Cut(rest, ".")
	if !ok || owner == "" || lex == "" {
		return Parsed{}, fmt.Errorf("malformed id %q: missing owner segment", raw)
	}
	if _, err := ulid.ParseStrict(lex); err != nil {
		return Parsed{}, fmt.Errorf("malformed id %q: %w", raw, err)
	}
	return Parsed{Kind: kind, Owner: ProjectIdFromLex(owner), Lex: lex}, nil
}

func isValidOwned(raw string, kind Kind) bool {
	p, err := Parse(raw)
	return err == nil && p.Kind == kind
}

func ownerOf(raw string) ProjectId {
	p, err := Parse(raw)
	if err != nil {
		return ""
	}
	return p.Owner
}
