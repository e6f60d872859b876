package pathguard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"unicode/utf8"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/observability"
)

// ReadFile returns the text content of path.
//
// Paths outside the root fail with a forbidden error. Missing paths and
// anything that is not a regular file fail with not found. Other I/O
// failures and content that is not valid UTF-8 fail with a server error
// carrying the underlying message.
func (g *Guard) ReadFile(_ context.Context, path string) (string, error) {
	resolved, ok := g.Resolve(path)
	if !ok {
		observability.FileReadsTotal.WithLabelValues("forbidden").Inc()
		return "", api.NewForbiddenError(fmt.Sprintf("Access outside %s is forbidden", g.display))
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			observability.FileReadsTotal.WithLabelValues("not_found").Inc()
			return "", api.NewNotFoundError("File not found")
		}
		observability.FileReadsTotal.WithLabelValues("error").Inc()
		return "", api.NewServerError("Error reading file: " + err.Error())
	}
	if !info.Mode().IsRegular() {
		observability.FileReadsTotal.WithLabelValues("not_found").Inc()
		return "", api.NewNotFoundError("File not found")
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		observability.FileReadsTotal.WithLabelValues("error").Inc()
		return "", api.NewServerError("Error reading file: " + err.Error())
	}
	if !utf8.Valid(data) {
		observability.FileReadsTotal.WithLabelValues("error").Inc()
		return "", api.NewServerError("Error reading file: content is not valid UTF-8")
	}

	observability.FileReadsTotal.WithLabelValues("ok").Inc()
	return string(data), nil
}
