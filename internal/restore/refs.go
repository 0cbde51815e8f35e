package restore

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadBackupRefs reads a headerless CSV of protected_path,backup_path pairs.
// Relative backup paths resolve against the protected path's directory.
func LoadBackupRefs(filePath string) (map[string]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup refs: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	refs := make(map[string]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading backup refs: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		protected := strings.TrimSpace(record[0])
		backup := strings.TrimSpace(record[1])
		if protected == "" || backup == "" {
			continue
		}
		protected, err = filepath.Abs(protected)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(backup) {
			backup = filepath.Join(filepath.Dir(protected), backup)
		}
		refs[protected] = filepath.Clean(backup)
	}
	return refs, nil
}
