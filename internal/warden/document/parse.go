package document

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// structural is the compiled structural schema: closed records, required
// keys, identifier patterns. Semantic rules (cross-references, uniqueness)
// live in Validate because they need the resolved group-key set.
var structural = jsonschema.MustCompileString("document.schema.json", schemaJSON)

// FormatError reports a document that could not be parsed at all, as opposed
// to one that parsed but failed validation.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return "document format: " + e.Err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Parse decodes the serialized document and validates it. It is the canonical
// entry point for loading a document from disk. The returned error is either
// a *FormatError (unparsable) or a *ValidationError (parsable but rejected).
func Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &FormatError{Err: err}
	}
	rawMap, ok := raw.(map[string]any)
	if !ok {
		return nil, &FormatError{Err: fmt.Errorf("top level must be a mapping")}
	}

	// Misspelled keys first: a typo in a closed record should come back as a
	// single suggestion, not a wall of structural-schema causes.
	if ve := checkUnknownKeys(rawMap); ve != nil {
		return nil, ve
	}
	if err := structural.Validate(raw); err != nil {
		return nil, structuralError(err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &FormatError{Err: err}
	}
	if ve := Validate(&doc); ve != nil {
		return nil, ve
	}
	return &doc, nil
}

// Closed-record key tables, used both for unknown-key rejection and for
// closest-key suggestions.
var (
	topLevelKeys = []string{"groups", "rooms", "members", "do-not-edit-state", "_file-sha256"}
	roomKeys     = []string{"name", "room-id", "members", "admins", "only-admins-can-speak?"}
	memberKeys   = []string{"name", "user-id", "groups"}
	trackingKeys = []string{"managed-members", "managed-rooms", "managed-groups", "admin-credentials"}
	credKeys     = []string{"username", "password"}
)

func checkUnknownKeys(raw map[string]any) *ValidationError {
	ve := newValidationError()

	checkRecord(raw, topLevelKeys, "", ve)
	if rooms, ok := raw["rooms"].([]any); ok {
		for i, r := range rooms {
			if rec, ok := r.(map[string]any); ok {
				checkRecord(rec, roomKeys, fmt.Sprintf("rooms[%d]", i), ve)
			}
		}
	}
	if members, ok := raw["members"].([]any); ok {
		for i, m := range members {
			if rec, ok := m.(map[string]any); ok {
				checkRecord(rec, memberKeys, fmt.Sprintf("members[%d]", i), ve)
			}
		}
	}
	if tracking, ok := raw["do-not-edit-state"].(map[string]any); ok {
		checkRecord(tracking, trackingKeys, "do-not-edit-state", ve)
		if creds, ok := tracking["admin-credentials"].(map[string]any); ok {
			checkRecord(creds, credKeys, "do-not-edit-state.admin-credentials", ve)
		}
	}

	if ve.empty() {
		return nil
	}
	return ve
}

func checkRecord(rec map[string]any, legal []string, path string, ve *ValidationError) {
	if path == "" {
		path = "document"
	}
	for key := range rec {
		known := false
		for _, l := range legal {
			if key == l {
				known = true
				break
			}
		}
		if known {
			continue
		}
		if hint := suggest(key, legal); hint != "" {
			ve.add(path, "unknown key %q (did you mean %q?)", key, hint)
		} else {
			ve.add(path, "unknown key %q", key)
		}
	}
}

// structuralError flattens a jsonschema validation error into path-keyed
// humanized messages ("/rooms/0/room-id" becomes "rooms[0].room-id").
func structuralError(err error) error {
	se, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &FormatError{Err: err}
	}
	ve := newValidationError()
	flattenSchemaError(se, ve)
	return ve
}

func flattenSchemaError(se *jsonschema.ValidationError, ve *ValidationError) {
	if len(se.Causes) == 0 {
		ve.add(schemaPath(se.InstanceLocation), "%s", se.Message)
		return
	}
	for _, cause := range se.Causes {
		flattenSchemaError(cause, ve)
	}
}

func schemaPath(instanceLocation string) string {
	parts := strings.Split(strings.TrimPrefix(instanceLocation, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return "document"
	}
	var b strings.Builder
	for i, p := range parts {
		if isIndex(p) {
			fmt.Fprintf(&b, "[%s]", p)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
