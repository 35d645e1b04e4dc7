package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one file or directory offered for backup
type CatalogEntry struct {
	Path        string `json:"path" yaml:"path"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
	Critical    bool   `json:"critical" yaml:"critical"`
	Selected    bool   `json:"selected" yaml:"selected"`
}

// DefaultCatalog returns the Proxmox host configuration paths offered out of the box
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{Path: "/etc/pve/", Label: "PVE configuration", Description: "Main Proxmox configuration (VMs, storage, users)", Critical: true, Selected: true},
		{Path: "/etc/network/interfaces", Label: "Network configuration", Description: "Networks, bridges and VLANs", Critical: true, Selected: true},
		{Path: "/etc/hosts", Label: "Hosts file", Description: "IP address to hostname mapping", Selected: true},
		{Path: "/etc/hostname", Label: "Hostname", Description: "Server identity", Selected: true},
		{Path: "/etc/resolv.conf", Label: "DNS configuration", Description: "DNS resolver settings", Selected: true},
		{Path: "/etc/ssl/pve/", Label: "SSL certificates", Description: "Certificates for the web interface", Selected: true},
		{Path: "/root/", Label: "Root home", Description: "Administrator scripts and settings", Selected: true},
		{Path: "/var/lib/vz/template/", Label: "ISOs and templates", Description: "VM/CT images and templates (can be large)", Selected: false},
		{Path: "/etc/cron*", Label: "Cron jobs", Description: "Scheduled tasks", Selected: true},
		{Path: "/etc/vzdump.conf", Label: "Vzdump configuration", Description: "VM/CT backup settings", Selected: true},
	}
}

// LoadCatalog loads catalog.yaml from the config directory, falling back to the defaults
func LoadCatalog(configDir string) ([]CatalogEntry, error) {
	catalogPath := filepath.Join(configDir, "catalog.yaml")

	data, err := os.ReadFile(catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var catalogFile struct {
		Entries []CatalogEntry `yaml:"entries"`
	}

	if err := yaml.Unmarshal(data, &catalogFile); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	if len(catalogFile.Entries) == 0 {
		return DefaultCatalog(), nil
	}

	if err := ValidateCatalog(catalogFile.Entries); err != nil {
		return nil, err
	}

	return catalogFile.Entries, nil
}

// SaveCatalog writes catalog entries to catalog.yaml
func SaveCatalog(configDir string, entries []CatalogEntry) error {
	catalogFile := struct {
		Entries []CatalogEntry `yaml:"entries"`
	}{
		Entries: entries,
	}

	data, err := yaml.Marshal(catalogFile)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	catalogPath := filepath.Join(configDir, "catalog.yaml")
	if err := os.WriteFile(catalogPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}

	return nil
}

// ValidateCatalog checks every entry and rejects duplicate paths
func ValidateCatalog(entries []CatalogEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		if err := ValidateCatalogEntry(entry); err != nil {
			return fmt.Errorf("invalid catalog entry at index %d: %w", i, err)
		}
		if _, ok := seen[entry.Path]; ok {
			return fmt.Errorf("duplicate catalog path %s", entry.Path)
		}
		seen[entry.Path] = struct{}{}
	}
	return nil
}

func ValidateCatalogEntry(entry CatalogEntry) error {
	if strings.TrimSpace(entry.Path) == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(entry.Path, "/") {
		return fmt.Errorf("path %s must be absolute", entry.Path)
	}
	if !isValidPath(entry.Path) {
		return fmt.Errorf("path %s contains invalid characters", entry.Path)
	}
	return nil
}

func isValidPath(s string) bool {
	// Shell metacharacters and newlines
	dangerous := ";|&$`()<>\"'\n"
	return !strings.ContainsAny(s, dangerous)
}
