package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsguardian/fsguardian/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is an optional gitignore-style file at the source root
// whose rules are excluded from syncing on top of the configured filter.
const IgnoreFileName = ".guardianignore"

var defaultIgnoreLines = []string{
	// fsguardian state
	".fsguardian/",
	IgnoreFileName,
	// editor and VCS litter
	".git/",
	".svn/",
	"*.swp",
	"*.tmp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// IgnoreList merges built-in excludes with the root's optional
// .guardianignore file.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load reads the ignore file if present and compiles the rule set.
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := defaultIgnoreLines

	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if line != "" {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Debug("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore reports whether the relative path is excluded.
func (s *IgnoreList) ShouldIgnore(path string) bool {
	if s == nil || s.ignore == nil {
		return false
	}
	return s.ignore.MatchesPath(path)
}
