package types

import (
	"fmt"
	"strings"
)

const RootPath = "/"

// checks that a path is absolute, has no empty segments and no trailing slash
func ValidatePath(path string) error {
	if path == RootPath {
		return nil
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// returns the parent path and the last segment
func SplitPath(path string) (parent, name string) {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return RootPath, path[i+1:]
	}
	return path[:i], path[i+1:]
}

func JoinPath(parent, name string) string {
	if parent == RootPath {
		return RootPath + name
	}
	return parent + "/" + name
}
