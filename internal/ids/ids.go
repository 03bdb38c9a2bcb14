// Package ids generates the prefixed ULID identifiers used across the engine.
package ids

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// valid matches ULIDs, UUIDs, and other safe identifiers. Only alphanumeric,
// dashes, and underscores are allowed.
var valid = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func NewRunID() string    { return "run_" + ulid.Make().String() }
func NewTaskID() string   { return "task_" + ulid.Make().String() }
func NewOrderID() string  { return "order_" + ulid.Make().String() }
func NewReportID() string { return "report_" + ulid.Make().String() }

// Valid reports whether id is a safe identifier for use in paths and queries.
func Valid(id string) bool {
	return valid.MatchString(strings.TrimSpace(id))
}
