package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Errors defined in packages that import metrics are matched by type name.
var categoryByType = map[string]string{
	"runner.TransientError": "Transient unit error",
	"runner.OutputError":    "Malformed unit output",
}

// ErrorCategory buckets a unit error for the per-shard error breakdown.
func ErrorCategory(err error) string {
	var (
		exitErr   *exec.ExitError
		execErr   *exec.Error
		syntaxErr *json.SyntaxError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "Context deadline exceeded"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.As(err, &execErr), errors.Is(err, exec.ErrNotFound):
		return "Unit command not found"
	case errors.As(err, &exitErr):
		return "Unit command failed"
	case errors.As(err, &syntaxErr):
		return "Malformed unit output"
	}

	typeName := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if category, ok := categoryByType[typeName]; ok {
		return category
	}
	return typeName
}
