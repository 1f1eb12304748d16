package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camerarts/lumina-portfolio/internal/index"
	"github.com/camerarts/lumina-portfolio/internal/util"
	"github.com/camerarts/lumina-portfolio/pkg/domain"
	"github.com/camerarts/lumina-portfolio/pkg/kv"
	"github.com/camerarts/lumina-portfolio/pkg/storage"
)

const (
	defaultPageSize = 24
	hydrateWorkers  = 8
)

// Config wires required dependencies for the core application.
type Config struct {
	Store   kv.Store
	Objects storage.ObjectStore
	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

// App implements the listing and mutation services over the two-key
// metadata index.
type App struct {
	store   kv.Store
	objects storage.ObjectStore
	now     func() time.Time
}

// New constructs the application service.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("kv store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{store: cfg.Store, objects: cfg.Objects, now: now}, nil
}

// Blob is one uploaded binary asset.
type Blob struct {
	Reader      io.Reader
	Size        int64
	ContentType string
	Filename    string
}

// UploadInput carries a create or edit request. Nil pointer fields are
// absent from the payload and leave the stored value untouched on edit.
type UploadInput struct {
	ID          string
	Title       *string
	Description *string
	Tags        []string
	Width       *int
	Height      *int
	Rating      *int
	Exif        *domain.Exif
	File        *Blob
	FileSmall   *Blob
	FileMedium  *Blob
}

// Create stores a new photo: blobs first, then the primary record, then the
// lookup entry pointing at it. A failed metadata write rolls the uploaded
// blobs back best-effort.
func (a *App) Create(ctx context.Context, in UploadInput) (domain.PhotoRecord, error) {
	if in.File == nil {
		return domain.PhotoRecord{}, ErrFileRequired
	}
	title := ""
	if in.Title != nil {
		title = strings.TrimSpace(*in.Title)
	}
	if title == "" {
		return domain.PhotoRecord{}, ErrTitleRequired
	}
	rating := 0
	if in.Rating != nil {
		rating = *in.Rating
	}
	if rating < 0 || rating > 5 {
		return domain.PhotoRecord{}, ErrInvalidRating
	}

	id := util.NewID()
	createdAt := a.now().UTC()

	rec := domain.PhotoRecord{
		ID:        id,
		Title:     title,
		Tags:      in.Tags,
		Rating:    rating,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if in.Description != nil {
		rec.Description = *in.Description
	}
	if in.Width != nil {
		rec.Width = *in.Width
	}
	if in.Height != nil {
		rec.Height = *in.Height
	}
	if in.Exif != nil {
		rec.Exif = *in.Exif
	}

	uploaded, err := a.uploadBlobs(ctx, id, &rec, in)
	if err != nil {
		a.deleteObjects(ctx, uploaded)
		return domain.PhotoRecord{}, err
	}

	primaryKey := index.PrimaryKey(createdAt, id)
	if err := a.putRecord(ctx, primaryKey, rec); err != nil {
		a.deleteObjects(ctx, uploaded)
		return domain.PhotoRecord{}, err
	}
	// Lookup is written second: a crash between the two writes leaves the
	// record listable, never unreachable by scan.
	if err := a.store.Put(ctx, index.LookupKey(id), []byte(primaryKey)); err != nil {
		return domain.PhotoRecord{}, fmt.Errorf("write lookup: %w", err)
	}
	return rec, nil
}

// Edit merges the input into the existing record and writes it back under
// the same primary key, so the record's position in chronological listings
// never moves.
func (a *App) Edit(ctx context.Context, in UploadInput) (domain.PhotoRecord, error) {
	primaryKey, rec, err := a.load(ctx, in.ID)
	if err != nil {
		return domain.PhotoRecord{}, err
	}

	if in.Title != nil && strings.TrimSpace(*in.Title) != "" {
		rec.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		rec.Description = *in.Description
	}
	if in.Tags != nil {
		rec.Tags = in.Tags
	}
	if in.Width != nil {
		rec.Width = *in.Width
	}
	if in.Height != nil {
		rec.Height = *in.Height
	}
	if in.Rating != nil {
		if *in.Rating < 0 || *in.Rating > 5 {
			return domain.PhotoRecord{}, ErrInvalidRating
		}
		rec.Rating = *in.Rating
	}
	if in.Exif != nil {
		mergeExif(&rec.Exif, *in.Exif)
	}

	var replaced []string
	if in.File != nil {
		replaced = objectKeys(rec)
		written, err := a.uploadBlobs(ctx, rec.ID, &rec, in)
		if err != nil {
			// Release only keys the stored record does not reference.
			a.deleteObjects(ctx, diffKeys(written, replaced))
			return domain.PhotoRecord{}, err
		}
	}

	rec.UpdatedAt = a.now().UTC()
	if err := a.putRecord(ctx, primaryKey, rec); err != nil {
		return domain.PhotoRecord{}, err
	}
	// Old blobs are released only after the metadata write lands.
	a.deleteObjects(ctx, diffKeys(replaced, objectKeys(rec)))
	return rec, nil
}

// Get returns the full record for an id.
func (a *App) Get(ctx context.Context, id string) (domain.PhotoRecord, error) {
	_, rec, err := a.load(ctx, id)
	return rec, err
}

// Delete removes the record's blobs (best-effort), then the primary key,
// then the lookup key. The lookup goes last so an interrupted delete leaves
// the record addressable rather than orphaned.
func (a *App) Delete(ctx context.Context, id string) error {
	primaryKey, err := a.resolve(ctx, id)
	if err != nil {
		return err
	}
	data, err := a.store.Get(ctx, primaryKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		// A lookup without a primary means the record is already gone;
		// drop the stale lookup and report the photo as missing.
		slog.Warn("removing dangling lookup entry", "id", id, "key", primaryKey)
		if err := a.store.Delete(ctx, index.LookupKey(id)); err != nil {
			return fmt.Errorf("delete lookup: %w", err)
		}
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	var rec domain.PhotoRecord
	if decodeErr := json.Unmarshal(data, &rec); decodeErr == nil {
		a.deleteObjects(ctx, objectKeys(rec))
	} else {
		slog.Warn("deleting photo with unparseable record", "id", id, "err", decodeErr)
	}
	if err := a.store.Delete(ctx, primaryKey); err != nil {
		return fmt.Errorf("delete primary: %w", err)
	}
	if err := a.store.Delete(ctx, index.LookupKey(id)); err != nil {
		return fmt.Errorf("delete lookup: %w", err)
	}
	return nil
}

// List returns one page of photo summaries, newest first. Pages addressing
// keys beyond the store's scan ceiling are silently truncated; a start
// offset past the data is an empty page, not an error.
func (a *App) List(ctx context.Context, page, pageSize int, category string) ([]domain.PhotoSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	ceiling := a.store.Ceiling()
	// Pages past the scan ceiling can never address a key; checked with
	// division so oversized page or pageSize values cannot overflow.
	pages := ceiling / pageSize
	if ceiling%pageSize != 0 {
		pages++
	}
	if page > pages {
		return []domain.PhotoSummary{}, nil
	}
	scanLimit := page * pageSize
	if scanLimit > ceiling {
		scanLimit = ceiling
	}
	keys, err := a.store.ListByPrefix(ctx, index.DataPrefix, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	start := (page - 1) * pageSize
	if start >= len(keys) {
		return []domain.PhotoSummary{}, nil
	}
	end := start + pageSize
	if end > len(keys) {
		end = len(keys)
	}
	records := a.hydrate(ctx, keys[start:end])

	out := make([]domain.PhotoSummary, 0, len(records))
	category = strings.TrimSpace(category)
	for _, rec := range records {
		if category != "" && !strings.EqualFold(rec.Category(), category) {
			continue
		}
		out = append(out, rec.Summary())
	}
	return out, nil
}

// hydrate fetches and decodes the given primary keys concurrently,
// preserving key order. Records that fail to fetch or decode are logged
// and dropped so one bad entry cannot fail the page.
func (a *App) hydrate(ctx context.Context, keys []string) []domain.PhotoRecord {
	found := make([]*domain.PhotoRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateWorkers)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			data, err := a.store.Get(gctx, key)
			if err != nil {
				slog.Warn("skipping unreadable record", "key", key, "err", err)
				return nil
			}
			var rec domain.PhotoRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				slog.Warn("skipping corrupt record", "key", key, "err", err)
				return nil
			}
			found[i] = &rec
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.PhotoRecord, 0, len(keys))
	for _, rec := range found {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// BatchUpdateExif applies the patch to every id independently. One failing
// id never aborts the rest; each outcome is reported in order.
func (a *App) BatchUpdateExif(ctx context.Context, ids []string, patch domain.ExifPatch) ([]domain.BatchResult, error) {
	if len(ids) == 0 {
		return nil, ErrNoIDs
	}
	results := make([]domain.BatchResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateWorkers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = domain.BatchResult{ID: id}
			primaryKey, rec, err := a.load(gctx, id)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			patch.Apply(&rec.Exif)
			rec.UpdatedAt = a.now().UTC()
			if err := a.putRecord(gctx, primaryKey, rec); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].OK = true
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Categories returns the stored category list; absent means empty.
func (a *App) Categories(ctx context.Context) ([]string, error) {
	data, err := a.store.Get(ctx, index.CategoriesKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cats []string
	if err := json.Unmarshal(data, &cats); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	return cats, nil
}

// SetCategories replaces the stored category list.
func (a *App) SetCategories(ctx context.Context, cats []string) error {
	data, err := json.Marshal(cats)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, index.CategoriesKey, data)
}

// Presets returns the stored camera/lens suggestions; absent means empty.
func (a *App) Presets(ctx context.Context) (domain.Presets, error) {
	data, err := a.store.Get(ctx, index.PresetsKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return domain.Presets{Cameras: []string{}, Lenses: []string{}}, nil
	}
	if err != nil {
		return domain.Presets{}, err
	}
	var p domain.Presets
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Presets{}, fmt.Errorf("decode presets: %w", err)
	}
	return p, nil
}

// SetPresets replaces the stored camera/lens suggestions.
func (a *App) SetPresets(ctx context.Context, p domain.Presets) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, index.PresetsKey, data)
}

// resolve maps an id to its current primary key via the lookup family.
func (a *App) resolve(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrNotFound
	}
	primaryKey, err := a.store.Get(ctx, index.LookupKey(id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve lookup: %w", err)
	}
	return string(primaryKey), nil
}

// load resolves and fetches the full record. A lookup entry whose primary
// key is gone is index corruption and reported as not found.
func (a *App) load(ctx context.Context, id string) (string, domain.PhotoRecord, error) {
	primaryKey, err := a.resolve(ctx, id)
	if err != nil {
		return "", domain.PhotoRecord{}, err
	}
	data, err := a.store.Get(ctx, primaryKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		slog.Warn("dangling lookup entry", "id", id, "key", primaryKey)
		return "", domain.PhotoRecord{}, ErrNotFound
	}
	if err != nil {
		return "", domain.PhotoRecord{}, fmt.Errorf("load record: %w", err)
	}
	var rec domain.PhotoRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", domain.PhotoRecord{}, fmt.Errorf("decode record %q: %w", primaryKey, err)
	}
	return primaryKey, rec, nil
}

func (a *App) putRecord(ctx context.Context, key string, rec domain.PhotoRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := a.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// uploadBlobs stores the canonical file and optional small/medium variants,
// updating the record's blob reference fields. It returns the keys written,
// also on error, so callers decide which of them are safe to release: on an
// edit the canonical key is shared with the stored record and must survive a
// failed variant upload.
func (a *App) uploadBlobs(ctx context.Context, id string, rec *domain.PhotoRecord, in UploadInput) ([]string, error) {
	var written []string
	ext := strings.ToLower(filepath.Ext(in.File.Filename))

	key := blobKey(id, "original", ext)
	url, err := a.objects.Put(ctx, key, in.File.Reader, in.File.Size, contentTypeOf(in.File))
	if err != nil {
		return written, fmt.Errorf("upload file: %w", err)
	}
	written = append(written, key)
	rec.ObjectKey = key
	rec.URL = url
	rec.Mime = contentTypeOf(in.File)
	rec.SizeBytes = in.File.Size
	rec.URLs = nil

	variants := domain.URLVariants{Large: url}
	hasVariant := false
	for _, v := range []struct {
		name string
		blob *Blob
		dst  *string
	}{
		{"small", in.FileSmall, &variants.Small},
		{"medium", in.FileMedium, &variants.Medium},
	} {
		if v.blob == nil {
			continue
		}
		vkey := blobKey(id, v.name, ext)
		vurl, err := a.objects.Put(ctx, vkey, v.blob.Reader, v.blob.Size, contentTypeOf(v.blob))
		if err != nil {
			return written, fmt.Errorf("upload %s variant: %w", v.name, err)
		}
		written = append(written, vkey)
		*v.dst = vurl
		hasVariant = true
	}
	if hasVariant {
		rec.URLs = &variants
	}
	return written, nil
}

// deleteObjects removes blobs best-effort; failures are logged, never fatal.
func (a *App) deleteObjects(ctx context.Context, keys []string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			slog.Warn("blob delete failed", "key", key, "err", err)
		}
	}
}

func objectKeys(rec domain.PhotoRecord) []string {
	keys := []string{rec.ObjectKey}
	if rec.URLs == nil {
		return keys
	}
	ext := filepath.Ext(rec.ObjectKey)
	if rec.URLs.Small != "" {
		keys = append(keys, blobKey(rec.ID, "small", ext))
	}
	if rec.URLs.Medium != "" {
		keys = append(keys, blobKey(rec.ID, "medium", ext))
	}
	return keys
}

// diffKeys returns entries of old that are not in current.
func diffKeys(old, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, k := range current {
		keep[k] = struct{}{}
	}
	var out []string
	for _, k := range old {
		if _, ok := keep[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func blobKey(id, variant, ext string) string {
	return path.Join("photos", id, variant+ext)
}

func contentTypeOf(b *Blob) string {
	if b.ContentType != "" {
		return b.ContentType
	}
	return "application/octet-stream"
}

// mergeExif overwrites only the fields the incoming value actually carries.
func mergeExif(dst *domain.Exif, src domain.Exif) {
	if src.Camera != "" {
		dst.Camera = src.Camera
	}
	if src.Lens != "" {
		dst.Lens = src.Lens
	}
	if src.Aperture != "" {
		dst.Aperture = src.Aperture
	}
	if src.ShutterSpeed != "" {
		dst.ShutterSpeed = src.ShutterSpeed
	}
	if src.ISO != "" {
		dst.ISO = src.ISO
	}
	if src.FocalLength != "" {
		dst.FocalLength = src.FocalLength
	}
	if src.TakenAt != "" {
		dst.TakenAt = src.TakenAt
	}
	if src.Location != "" {
		dst.Location = src.Location
	}
	if src.Latitude != nil {
		dst.Latitude = src.Latitude
	}
	if src.Longitude != nil {
		dst.Longitude = src.Longitude
	}
}
