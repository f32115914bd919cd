package history

import (
	"fmt"
	"strings"
)

// formatQueryForLog interpolates positional parameters into a query string.
// Logging only; never feed the result back to the database.
func formatQueryForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	next := 0
	for _, ch := range query {
		if ch == '?' && next < len(args) {
			b.WriteString(formatQueryArg(args[next]))
			next++
			continue
		}
		b.WriteRune(ch)
	}
	if next < len(args) {
		b.WriteString(" /* extra args:")
		for i := next; i < len(args); i++ {
			b.WriteString(" ")
			b.WriteString(formatQueryArg(args[i]))
		}
		b.WriteString(" */")
	}
	return b.String()
}

func formatQueryArg(arg any) string {
	if arg == nil {
		return "NULL"
	}
	if s, ok := arg.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return fmt.Sprintf("%v", arg)
}
