package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Stager copies session input files into an isolated working directory.
type Stager struct {
	resolver *Resolver
	logger   *zap.Logger
}

// NewStager creates a stager.
func NewStager(resolver *Resolver, logger *zap.Logger) *Stager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{resolver: resolver, logger: logger}
}

// CopyFiles copies files/*.csv (skipping anything named *_meta*) into
// targetDir and returns the copied paths. A missing files/ directory yields
// an empty result. Individual copy failures are logged and skipped.
func (s *Stager) CopyFiles(sessionID, targetDir string) ([]string, error) {
	root, err := s.resolver.Root(sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create %s: %w", targetDir, err)
	}

	sources, err := filepath.Glob(filepath.Join(root, FilesDir, "*"+csvExt))
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		s.logger.Warn("No source files to stage", zap.String("session_id", sessionID))
		return nil, nil
	}
	sort.Strings(sources)

	var copied []string
	for _, src := range sources {
		if strings.Contains(strings.TrimSuffix(filepath.Base(src), csvExt), "_meta") {
			continue
		}
		dst := filepath.Join(targetDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			s.logger.Error("Failed to stage file", zap.String("file", src), zap.Error(err))
			continue
		}
		copied = append(copied, dst)
	}

	s.logger.Info("Staged analysis files",
		zap.String("session_id", sessionID),
		zap.Int("count", len(copied)),
		zap.String("target", targetDir),
	)
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if info, err := in.Stat(); err == nil {
		_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return nil
}
