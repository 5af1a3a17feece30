// Package files implements the media pipeline: download from Telegram,
// MIME detection, upload to the provider Files API, byte caching, and
// metadata persistence.
package files

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/castellanbot/castellan/internal/models"
)

// extensionMIME covers types the magic-byte sniffer cannot see, including
// text formats that all sniff as text/plain.
var extensionMIME = map[string]string{
	".pdf":   "application/pdf",
	".json":  "application/json",
	".jsonl": "application/json",
	".csv":   "text/csv",
	".md":    "text/markdown",
	".txt":   "text/plain",
	".py":    "text/x-python",
	".go":    "text/x-go",
	".html":  "text/html",
	".xml":   "application/xml",
	".yaml":  "application/yaml",
	".yml":   "application/yaml",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".oga":   "audio/ogg",
	".wav":   "audio/wav",
	".m4a":   "audio/mp4",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".webp":  "image/webp",
	".heic":  "image/heic",
}

// mimeRewrite normalizes declared MIME aliases clients are known to send.
var mimeRewrite = map[string]string{
	"application/x-pdf":        "application/pdf",
	"image/jpg":                "image/jpeg",
	"audio/mp3":                "audio/mpeg",
	"audio/x-wav":              "audio/wav",
	"text/jsonl":               "application/json",
	"application/x-jsonlines":  "application/json",
	"application/octet-stream": "",
}

const fallbackMIME = "application/octet-stream"

// DetectMIME resolves the content type of an inbound file. Order: magic
// bytes, then extension, then the declared type normalized through the
// rewrite table, then the octet-stream fallback.
func DetectMIME(data []byte, filename, declared string) string {
	if len(data) > 0 {
		sniffed := http.DetectContentType(data)
		// Strip the charset suffix text types carry.
		if i := strings.Index(sniffed, ";"); i >= 0 {
			sniffed = sniffed[:i]
		}
		// text/plain and octet-stream are the sniffer's "don't know"
		// answers; fall through so the extension can refine them.
		if sniffed != fallbackMIME && sniffed != "text/plain" {
			return sniffed
		}
	}

	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if m, ok := extensionMIME[ext]; ok {
			return m
		}
	}

	declared = strings.ToLower(strings.TrimSpace(declared))
	if rewritten, ok := mimeRewrite[declared]; ok {
		declared = rewritten
	}
	if declared != "" {
		return declared
	}
	return fallbackMIME
}

// KindForMIME buckets a MIME type into the file kinds the pipeline tracks.
func KindForMIME(mime string) models.FileKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.FileImage
	case mime == "application/pdf":
		return models.FilePDF
	case strings.HasPrefix(mime, "audio/"):
		return models.FileAudio
	case strings.HasPrefix(mime, "video/"):
		return models.FileVideo
	default:
		return models.FileDocument
	}
}
