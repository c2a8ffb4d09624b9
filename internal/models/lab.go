package models

type LabStatus string

const (
	LabAvailable   LabStatus = "available"
	LabOccupied    LabStatus = "occupied"
	LabMaintenance LabStatus = "maintenance"
)

// Lab is static reference data loaded from the catalog file.
type Lab struct {
	ID          int64     `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Building    string    `yaml:"building" json:"building,omitempty"`
	Capacity    int       `yaml:"capacity" json:"capacity"`
	Status      LabStatus `yaml:"status" json:"status"`
	Description string    `yaml:"description" json:"description,omitempty"`
	SortOrder   int       `yaml:"sort_order" json:"sort_order"`
}

// Bookable reports whether new reservations may target the lab.
// An "occupied" lab is still bookable for other slots.
func (l *Lab) Bookable() bool {
	return l.Status != LabMaintenance
}
