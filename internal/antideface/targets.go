package antideface

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/y0ug/antideface/internal/database/models"
)

// Target is one directory scanned independently of the others.
type Target struct {
	Label     string
	Root      string
	Component *models.Component
}

// Only the start of a header file is inspected for metadata.
const headerBytes = 8 << 10

var headerField = regexp.MustCompile(`(?mi)^[ \t/*#@]*([A-Za-z ]+?):[ \t]*(.+?)[ \t]*(?:\*/)?[ \t]*$`)

// DiscoverTargets lists the scan targets of an installation: the application
// root, the content directory, then one target per theme and plugin directory.
// Errors reading the theme or plugin listings are returned alongside the
// targets found.
func DiscoverTargets(root, contentDir string) ([]Target, []error) {
	targets := []Target{{Label: "root", Root: root}}
	if contentDir == "" {
		return targets, nil
	}
	targets = append(targets, Target{Label: "content", Root: contentDir})

	var errs []error
	for _, kind := range []string{"theme", "plugin"} {
		dir := filepath.Join(contentDir, kind+"s")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, models.NewPathError("discover", dir, err))
			}
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			componentDir := filepath.Join(dir, e.Name())
			targets = append(targets, Target{
				Label:     kind + ":" + e.Name(),
				Root:      componentDir,
				Component: readComponent(kind, componentDir),
			})
		}
	}
	return targets, errs
}

// readComponent extracts name and version from a theme's style.css or the
// main file of a plugin. It returns nil when no header is found.
func readComponent(kind, dir string) *models.Component {
	var candidates []string
	nameKey := "theme name"
	if kind == "theme" {
		candidates = []string{filepath.Join(dir, "style.css")}
	} else {
		nameKey = "plugin name"
		matches, _ := filepath.Glob(filepath.Join(dir, "*.php"))
		sort.Strings(matches)
		candidates = matches
	}

	for _, file := range candidates {
		fields := readHeader(file)
		if name := fields[nameKey]; name != "" {
			return &models.Component{
				Kind:    kind,
				Name:    name,
				Version: fields["version"],
				Dir:     dir,
			}
		}
	}
	return nil
}

func readHeader(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, headerBytes))
	if err != nil {
		return nil
	}
	fields := make(map[string]string)
	for _, m := range headerField.FindAllStringSubmatch(string(data), -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		if _, ok := fields[key]; !ok {
			fields[key] = strings.TrimSpace(m[2])
		}
	}
	return fields
}
