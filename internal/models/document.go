package models

import (
	"time"
)

// EntityKind names a kind of building-scoped record.
type EntityKind string

const (
	KindBuilding   EntityKind = "building"
	KindFloorPlan  EntityKind = "floor_plan"
	KindMarkers    EntityKind = "markers"
	KindDocument   EntityKind = "document"
	KindPhoto      EntityKind = "photo"
	KindInspection EntityKind = "inspection"
	KindDevice     EntityKind = "device"
)

// Plural returns the collection segment used in API paths.
func (k EntityKind) Plural() string {
	return string(k) + "s"
}

// Entity is anything a store can hold.
type Entity interface {
	EntityID() string
}

// Document 文档记录
type Document struct {
	ID          string    `json:"id"`
	BuildingID  string    `json:"building_id"`
	FloorID     string    `json:"floor_id,omitempty"`
	Title       string    `json:"title"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	MimeType    string    `json:"mime_type"`
	Pages       int       `json:"pages,omitempty"`
	StorageKey  string    `json:"storage_key"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (d Document) EntityID() string { return d.ID }

// Photo 现场照片
type Photo struct {
	ID           string    `json:"id"`
	BuildingID   string    `json:"building_id"`
	FloorID      string    `json:"floor_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	Category     string    `json:"category,omitempty"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	MimeType     string    `json:"mime_type"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	StorageKey   string    `json:"storage_key"`
	ThumbnailKey string    `json:"thumbnail_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p Photo) EntityID() string { return p.ID }

// Inspection 巡检记录
type Inspection struct {
	ID          string    `json:"id"`
	BuildingID  string    `json:"building_id"`
	FloorID     string    `json:"floor_id,omitempty"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Inspector   string    `json:"inspector,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (i Inspection) EntityID() string { return i.ID }

// Device 楼宇设备
type Device struct {
	ID         string    `json:"id"`
	BuildingID string    `json:"building_id"`
	FloorID    string    `json:"floor_id,omitempty"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (d Device) EntityID() string { return d.ID }

// FloorPlan 楼层平面
type FloorPlan struct {
	ID           string    `json:"id"`
	BuildingID   string    `json:"building_id"`
	Name         string    `json:"name"`
	Level        int       `json:"level"`
	Elevation    float64   `json:"elevation"`
	KeyLocations int       `json:"key_locations"`
	ImageKey     string    `json:"image_key,omitempty"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (f FloorPlan) EntityID() string { return f.ID }

// Building 楼宇
type Building struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Address    string    `json:"address,omitempty"`
	FloorCount int       `json:"floor_count"`
	GrossArea  float64   `json:"gross_area,omitempty"`
	Height     float64   `json:"height,omitempty"`
	Materials  []string  `json:"materials,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (b Building) EntityID() string { return b.ID }
