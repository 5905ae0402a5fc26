package schema

// ColumnKind classifies how a replicated column's value must be decoded
// off the wire before binding to a SQL parameter, mirroring the tagged
// ColumnValue variants in the repl package (co-located here per DESIGN
// NOTES §9: "encoders/decoders are co-located with the schema
// definition").
type ColumnKind int

const (
	KindScalar ColumnKind = iota
	KindTimestamp
	KindJSON
)

// Column describes one replicated column.
type Column struct {
	Name string
	Kind ColumnKind
}

// Table describes one replicated table's primary key and ordinary columns.
type Table struct {
	Name    string
	PK      string
	Columns []Column
}

func scalar(names ...string) []Column {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Kind: KindScalar}
	}
	return cols
}

// Images is the images table's replicated column set.
var Images = Table{
	Name: "images",
	PK:   "id",
	Columns: append(scalar(
		"url", "source_url", "filename", "file_extension", "mime_type",
		"file_size", "width", "height", "aspect_ratio", "color_mode",
		"has_transparency", "md5_hash", "sha256_hash", "perceptual_hash",
		"category_id", "local_path", "is_downloaded", "download_attempts",
		"last_download_error", "quality_score", "is_duplicate",
		"duplicate_of", "alt_text", "title", "description", "status",
	), []Column{
		{Name: "tags", Kind: KindJSON},
		{Name: "auto_tags", Kind: KindJSON},
		{Name: "exif_data", Kind: KindJSON},
		{Name: "created_at", Kind: KindTimestamp},
		{Name: "updated_at", Kind: KindTimestamp},
	}...),
}

// Categories is the categories table's replicated column set.
var Categories = Table{
	Name: "categories",
	PK:   "id",
	Columns: append(scalar(
		"name", "slug", "description", "parent_id", "level", "sort_order",
		"image_count", "total_size", "color", "icon", "is_visible", "status",
	), []Column{
		{Name: "auto_rules", Kind: KindJSON},
		{Name: "keywords", Kind: KindJSON},
		{Name: "created_at", Kind: KindTimestamp},
		{Name: "updated_at", Kind: KindTimestamp},
	}...),
}

// Tags is the tags table's replicated column set.
var Tags = Table{
	Name: "tags",
	PK:   "id",
	Columns: append(scalar(
		"name", "slug", "description", "group_name", "tag_type",
		"usage_count", "color", "status",
	), []Column{
		{Name: "created_at", Kind: KindTimestamp},
		{Name: "updated_at", Kind: KindTimestamp},
	}...),
}

// CrawlSessions is the crawl_sessions table's replicated column set.
var CrawlSessions = Table{
	Name: "crawl_sessions",
	PK:   "id",
	Columns: append(scalar(
		"session_name", "target_url", "session_type", "max_depth",
		"max_images", "status", "total_pages", "processed_pages",
		"total_images_found", "images_downloaded", "images_failed",
		"images_skipped", "total_size_bytes", "average_image_size",
		"download_speed_mbps", "high_quality_count", "duplicate_count",
		"error_count", "last_error", "peak_memory_mb", "cpu_usage_percent",
		"duration_seconds",
	), []Column{
		{Name: "config_data", Kind: KindJSON},
		{Name: "allowed_domains", Kind: KindJSON},
		{Name: "image_filters", Kind: KindJSON},
		{Name: "error_log", Kind: KindJSON},
		{Name: "summary_log", Kind: KindJSON},
		{Name: "start_time", Kind: KindTimestamp},
		{Name: "end_time", Kind: KindTimestamp},
		{Name: "created_at", Kind: KindTimestamp},
		{Name: "updated_at", Kind: KindTimestamp},
	}...),
}

// ByName looks up a Table by its SQL name, used by the repl package to
// resolve a Sync Operation's Table field into column metadata.
func ByName(name string) (Table, bool) {
	switch name {
	case "images":
		return Images, true
	case "categories":
		return Categories, true
	case "tags":
		return Tags, true
	case "crawl_sessions":
		return CrawlSessions, true
	}
	return Table{}, false
}
