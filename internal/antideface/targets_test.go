package antideface

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverTargets(t *testing.T) {
	root := t.TempDir()
	content := filepath.Join(root, "wp-content")
	files := map[string]string{
		"themes/twentytwenty/style.css": "/*\r\nTheme Name: Twenty Twenty\r\nVersion: 2.1\r\n*/",
		"themes/bare/index.php":         "<?php",
		"plugins/akismet/akismet.php":   "<?php\n/**\n * Plugin Name: Akismet Anti-Spam\n * Plugin URI: https://akismet.com/\n * Version: 5.3\n */",
		"plugins/akismet/class.php":     "<?php",
		"plugins/readme.txt":            "not a plugin dir",
	}
	for rel, data := range files {
		p := filepath.Join(content, rel)
		os.MkdirAll(filepath.Dir(p), 0o755)
		os.WriteFile(p, []byte(data), 0o644)
	}

	targets, errs := DiscoverTargets(root, content)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	labels := make([]string, 0, len(targets))
	for _, tg := range targets {
		labels = append(labels, tg.Label)
	}
	want := []string{"root", "content", "theme:bare", "theme:twentytwenty", "plugin:akismet"}
	if len(labels) != len(want) {
		t.Fatalf("expected %v, got %v", want, labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, labels)
		}
	}

	if targets[2].Component != nil {
		t.Errorf("theme without header should have no component, got %+v", targets[2].Component)
	}
	theme := targets[3].Component
	if theme == nil || theme.Name != "Twenty Twenty" || theme.Version != "2.1" || theme.Kind != "theme" {
		t.Errorf("unexpected theme component %+v", theme)
	}
	plugin := targets[4].Component
	if plugin == nil || plugin.Name != "Akismet Anti-Spam" || plugin.Version != "5.3" || plugin.Kind != "plugin" {
		t.Errorf("unexpected plugin component %+v", plugin)
	}
}

func TestDiscoverTargetsWithoutContentDir(t *testing.T) {
	root := t.TempDir()
	targets, errs := DiscoverTargets(root, filepath.Join(root, "wp-content"))
	if len(errs) != 0 || len(targets) != 2 {
		t.Errorf("expected root and content targets only, got %+v %v", targets, errs)
	}
	targets, _ = DiscoverTargets(root, "")
	if len(targets) != 1 || targets[0].Label != "root" {
		t.Errorf("expected root target only, got %+v", targets)
	}
}
