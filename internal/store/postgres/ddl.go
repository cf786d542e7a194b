package postgres

import (
	_ "embed"
	"strings"
)

//go:embed schema.sql
var ddlFile string

// DDLStatements returns the CREATE TABLE / INDEX statements from schema.sql
// for bootstrap and test setup. Comment lines are dropped before splitting on
// semicolons so punctuation in comments cannot corrupt a statement.
func DDLStatements() []string {
	var sb strings.Builder
	for _, line := range strings.Split(ddlFile, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	var out []string
	for _, p := range strings.Split(sb.String(), ";") {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
