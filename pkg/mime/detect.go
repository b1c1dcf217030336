package mime

import (
	"net/http"
	"path/filepath"
	"strings"
)

// extension table for EDI and common business document formats; anything
// not listed falls back to content sniffing
var extensionTypes = map[string]string{
	".edi":     "application/edi-x12",
	".x12":     "application/edi-x12",
	".edifact": "application/edifact",
	".edf":     "application/edifact",
	".xml":     "application/xml",
	".json":    "application/json",
	".txt":     "text/plain",
	".csv":     "text/csv",
	".htm":     "text/html",
	".html":    "text/html",
	".pdf":     "application/pdf",
	".zip":     "application/zip",
	".gz":      "application/gzip",
	".doc":     "application/msword",
	".xls":     "application/vnd.ms-excel",
	".docx":    "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".png":     "image/png",
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".gif":     "image/gif",
	".tif":     "image/tiff",
	".tiff":    "image/tiff",
}

// DetectMimeType guesses a media type from a file name and its content
func DetectMimeType(name string, data []byte) string {
	if mt, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	if len(data) == 0 {
		return ContentTypeOctetStream
	}

	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}
