package destination

import (
	"path"
	"strings"
	"time"

	"github.com/transferd/transferd/internal/model"
)

// knownExtensions are treated as explicit file targets rather than
// directory prefixes.
var knownExtensions = map[string]struct{}{
	".parquet": {},
	".csv":     {},
	".json":    {},
	".txt":     {},
	".avro":    {},
	".orc":     {},
}

func formatExtension(f model.FileFormat) string {
	switch f {
	case model.FormatCSV:
		return "csv"
	case model.FormatJSON:
		return "json"
	default:
		return "parquet"
	}
}

// ObjectKey derives the object key for one batch write. A resolved path
// with a recognised extension is used verbatim; one without gets the
// file-format extension appended. A path ending in "/" (or an empty one)
// is a directory prefix that receives a generated file name: timestamped
// for appends so successive batches never collide, fixed for overwrites.
func ObjectKey(resolved string, format model.FileFormat, mode WriteMode, now time.Time) string {
	trimmed := strings.TrimSpace(resolved)
	isDir := trimmed == "" || strings.HasSuffix(trimmed, "/")
	clean := strings.Trim(trimmed, "/")
	ext := formatExtension(format)

	if !isDir {
		if _, ok := knownExtensions[strings.ToLower(path.Ext(clean))]; ok {
			return clean
		}
		return clean + "." + ext
	}

	var name string
	if mode == Overwrite {
		name = "data." + ext
	} else {
		name = "data_" + now.UTC().Format("20060102_150405") + "." + ext
	}
	if clean == "" {
		return name
	}
	return clean + "/" + name
}

// tableKeyPrefix turns a destination table name into a directory path, so
// tables without a path template never share object keys.
func tableKeyPrefix(table string) string {
	parts := strings.FieldsFunc(table, func(r rune) bool { return r == '.' })
	return strings.Join(parts, "/")
}
