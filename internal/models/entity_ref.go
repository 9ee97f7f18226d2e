package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LocalRefMarker prefixes the display form of provisional entity ids.
const LocalRefMarker = "local:"

// RefKind discriminates EntityRef.
type RefKind string

const (
	RefLocal  RefKind = "local"
	RefRemote RefKind = "remote"
)

// EntityRef identifies an entity either by its provisional outbox id
// (not yet confirmed by the server) or by its server-issued id.
// The zero value is an empty remote reference.
type EntityRef struct {
	kind   RefKind
	local  int64
	remote string
}

// LocalRef references a provisional entity backed by queue record id.
func LocalRef(id int64) EntityRef {
	return EntityRef{kind: RefLocal, local: id}
}

// RemoteRef references a server-confirmed entity.
func RemoteRef(id string) EntityRef {
	return EntityRef{kind: RefRemote, remote: id}
}

// Kind returns the discriminant.
func (r EntityRef) Kind() RefKind {
	if r.kind == "" {
		return RefRemote
	}
	return r.kind
}

// IsLocal reports whether r is a provisional reference.
func (r EntityRef) IsLocal() bool {
	return r.kind == RefLocal
}

// LocalID returns the queue record id and true for local references.
func (r EntityRef) LocalID() (int64, bool) {
	return r.local, r.kind == RefLocal
}

// RemoteID returns the server id and true for remote references.
func (r EntityRef) RemoteID() (string, bool) {
	return r.remote, r.kind != RefLocal
}

// String returns the display form: "local:<id>" or the raw server id.
// The display form is for UI labels only; use the JSON form to round-trip.
func (r EntityRef) String() string {
	if r.kind == RefLocal {
		return LocalRefMarker + strconv.FormatInt(r.local, 10)
	}
	return r.remote
}

type entityRefJSON struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// MarshalJSON encodes r with an explicit kind so a server id that happens
// to start with LocalRefMarker is never mistaken for a provisional one.
func (r EntityRef) MarshalJSON() ([]byte, error) {
	out := entityRefJSON{Kind: r.Kind(), ID: r.remote}
	if r.kind == RefLocal {
		out.ID = strconv.FormatInt(r.local, 10)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (r *EntityRef) UnmarshalJSON(data []byte) error {
	var in entityRefJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case RefLocal:
		id, err := strconv.ParseInt(in.ID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid local entity id %q: %w", in.ID, err)
		}
		*r = LocalRef(id)
	case RefRemote, "":
		*r = RemoteRef(in.ID)
	default:
		return fmt.Errorf("unknown entity ref kind %q", in.Kind)
	}
	return nil
}

// ParseLocalRef parses the display form of a provisional reference.
func ParseLocalRef(s string) (EntityRef, error) {
	rest, ok := strings.CutPrefix(s, LocalRefMarker)
	if !ok {
		return EntityRef{}, fmt.Errorf("%q is not a local entity reference", s)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return EntityRef{}, fmt.Errorf("%q is not a local entity reference", s)
	}
	return LocalRef(id), nil
}
