package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-magicalstory")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-magicalstory" {
			t.Errorf("expected path /tmp/test-magicalstory, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/ms")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ConfigPath", dir.ConfigPath(), "/tmp/ms/config.yaml"},
		{"StoryDir", dir.StoryDir("s1"), "/tmp/ms/stories/s1"},
		{"PageImagePath", dir.PageImagePath("s1", 3, 2), "/tmp/ms/stories/s1/pages/page_0003_v2.png"},
		{"CoverImagePath", dir.CoverImagePath("s1", "front", 1), "/tmp/ms/stories/s1/covers/front_v1.png"},
		{"ArtifactPath", dir.ArtifactPath("s1", "grid.png"), "/tmp/ms/stories/s1/artifacts/grid.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDir_EnsureStoryDirs(t *testing.T) {
	dir, _ := New(t.TempDir())
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	if err := dir.EnsureStoryDirs("s1"); err != nil {
		t.Fatalf("EnsureStoryDirs() error = %v", err)
	}
	for _, sub := range []string{"pages", "covers", "characters", "artifacts"} {
		if _, err := os.Stat(filepath.Join(dir.StoryDir("s1"), sub)); err != nil {
			t.Errorf("missing %s directory: %v", sub, err)
		}
	}
}
