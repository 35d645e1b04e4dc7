package archive

import (
	"strings"

	"github.com/TheGojiOG/pvebackup/internal/config"
)

func normalizeCompression(cfg config.CompressionConfig) config.CompressionConfig {
	compressionType := strings.ToLower(strings.TrimSpace(cfg.Type))
	if compressionType == "" {
		compressionType = "gzip"
	}

	level := cfg.Level
	if level == 0 {
		level = 6
	}
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}

	if compressionType != "gzip" && compressionType != "none" {
		compressionType = "gzip"
	}

	return config.CompressionConfig{
		Type:  compressionType,
		Level: level,
	}
}

// Extension returns the artifact extension for a compression setting
func Extension(cfg config.CompressionConfig) string {
	switch normalizeCompression(cfg).Type {
	case "none":
		return "tar"
	default:
		return "tar.gz"
	}
}
