package sectorfs

import (
	"fmt"
	"strings"

	"github.com/dargueta/sectorfs/errors"
)

// PathDelimiter separates the segments of a path.
const PathDelimiter = "/"

// SplitPath splits `fullPath` on its last delimiter. The parent of a top-level
// name is the root, "/". If there's no delimiter at all, the parent is empty.
func SplitPath(fullPath string) (parent, name string) {
	index := strings.LastIndex(fullPath, PathDelimiter)
	switch {
	case index < 0:
		return "", fullPath
	case index == 0:
		return PathDelimiter, fullPath[1:]
	default:
		return fullPath[:index], fullPath[index+1:]
	}
}

// JoinPath is the inverse of [SplitPath].
func JoinPath(parent, name string) string {
	switch parent {
	case "":
		return name
	case PathDelimiter:
		return PathDelimiter + name
	default:
		return parent + PathDelimiter + name
	}
}

// splitSegments breaks an absolute path into its segments. Empty segments are
// ignored, so "/a//b/" is the same as "/a/b". The root has no segments.
func splitSegments(path string) ([]string, error) {
	if !strings.HasPrefix(path, PathDelimiter) {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path must be absolute: %q", path),
		)
	}

	segments := []string{}
	for _, segment := range strings.Split(path, PathDelimiter) {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments, nil
}

// joinSegments builds the canonical absolute path for `segments`.
func joinSegments(segments []string) string {
	return PathDelimiter + strings.Join(segments, PathDelimiter)
}
