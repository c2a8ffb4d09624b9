package config

import (
	"fmt"
	"os"

	"labreserve/internal/models"

	"gopkg.in/yaml.v2"
)

type labsFile struct {
	Labs []*models.Lab `yaml:"labs"`
}

// LoadLabs reads the lab catalog file.
func LoadLabs(path string) ([]*models.Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labs file: %w", err)
	}

	var file labsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse labs file: %w", err)
	}

	for _, lab := range file.Labs {
		if lab.Status == "" {
			lab.Status = models.LabAvailable
		}
	}

	if err := ValidateLabs(file.Labs); err != nil {
		return nil, err
	}
	return file.Labs, nil
}

func ValidateLabs(labs []*models.Lab) error {
	seen := make(map[int64]bool, len(labs))
	for _, lab := range labs {
		if lab.ID <= 0 {
			return fmt.Errorf("lab '%s' has invalid ID %d", lab.Name, lab.ID)
		}
		if seen[lab.ID] {
			return fmt.Errorf("duplicate lab ID found: %d", lab.ID)
		}
		seen[lab.ID] = true

		if lab.Capacity < 0 {
			return fmt.Errorf("lab %d has negative capacity", lab.ID)
		}
		switch lab.Status {
		case models.LabAvailable, models.LabOccupied, models.LabMaintenance:
		default:
			return fmt.Errorf("lab %d has unknown status %q", lab.ID, lab.Status)
		}
	}
	return nil
}
