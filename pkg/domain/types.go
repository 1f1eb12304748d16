package domain

import (
	"strings"
	"time"
)

// Exif holds capture metadata for a photo. All fields are optional;
// absent values are omitted from JSON.
type Exif struct {
	Camera       string   `json:"camera,omitempty"`
	Lens         string   `json:"lens,omitempty"`
	Aperture     string   `json:"aperture,omitempty"`
	ShutterSpeed string   `json:"shutterSpeed,omitempty"`
	ISO          string   `json:"iso,omitempty"`
	FocalLength  string   `json:"focalLength,omitempty"`
	TakenAt      string   `json:"takenAt,omitempty"`
	Location     string   `json:"location,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

// URLVariants holds multi-resolution renditions of a photo. When absent,
// consumers fall back to the canonical URL.
type URLVariants struct {
	Small  string `json:"small,omitempty"`
	Medium string `json:"medium,omitempty"`
	Large  string `json:"large,omitempty"`
}

// PhotoRecord is the persisted unit of the portfolio.
type PhotoRecord struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	ObjectKey   string       `json:"objectKey"`
	Mime        string       `json:"mime,omitempty"`
	SizeBytes   int64        `json:"sizeBytes"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	Exif        Exif         `json:"exif"`
	Rating      int          `json:"rating"`
	URL         string       `json:"url"`
	URLs        *URLVariants `json:"urls,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Category returns the record's primary category: the first tag, or "".
func (p PhotoRecord) Category() string {
	if len(p.Tags) == 0 {
		return ""
	}
	return strings.TrimSpace(p.Tags[0])
}

// PhotoSummary is the light listing projection. It carries what the grid
// and map views need and omits heavy fields (description, full EXIF).
type PhotoSummary struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Tags      []string     `json:"tags,omitempty"`
	Width     int          `json:"width,omitempty"`
	Height    int          `json:"height,omitempty"`
	Rating    int          `json:"rating"`
	URL       string       `json:"url"`
	URLs      *URLVariants `json:"urls,omitempty"`
	Latitude  *float64     `json:"latitude,omitempty"`
	Longitude *float64     `json:"longitude,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Summary projects a record to its listing shape.
func (p PhotoRecord) Summary() PhotoSummary {
	return PhotoSummary{
		ID:        p.ID,
		Title:     p.Title,
		Tags:      p.Tags,
		Width:     p.Width,
		Height:    p.Height,
		Rating:    p.Rating,
		URL:       p.URL,
		URLs:      p.URLs,
		Latitude:  p.Exif.Latitude,
		Longitude: p.Exif.Longitude,
		CreatedAt: p.CreatedAt,
	}
}

// ExifPatch is a partial EXIF update. Nil fields are left untouched;
// non-nil fields overwrite, empty strings clear.
type ExifPatch struct {
	Camera    *string  `json:"camera,omitempty"`
	Lens      *string  `json:"lens,omitempty"`
	TakenAt   *string  `json:"takenAt,omitempty"`
	Location  *string  `json:"location,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Apply merges the patch into an Exif value.
func (p ExifPatch) Apply(e *Exif) {
	if p.Camera != nil {
		e.Camera = *p.Camera
	}
	if p.Lens != nil {
		e.Lens = *p.Lens
	}
	if p.TakenAt != nil {
		e.TakenAt = *p.TakenAt
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.Latitude != nil {
		e.Latitude = p.Latitude
	}
	if p.Longitude != nil {
		e.Longitude = p.Longitude
	}
}

// BatchResult reports one id's outcome within a batch update.
type BatchResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Presets holds the well-known camera/lens suggestion lists.
type Presets struct {
	Cameras []string `json:"cameras"`
	Lenses  []string `json:"lenses"`
}
