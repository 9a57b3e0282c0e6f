package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/go-scripts/consultcrawl/internal/writer"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

const maxStemLength = 120

var knownExtensions = map[string]bool{".pdf": true, ".doc": true, ".docx": true, ".txt": true}

var contentTypeExtensions = map[string]string{
	"application/pdf":    ".pdf",
	"application/x-pdf":  ".pdf",
	"application/msword": ".doc",
	"text/plain":         ".txt",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
}

// StoredName returns the deterministic location of a document relative to the output
// directory: documents/<stem>_<h8><ext>. The same URL always maps to the same name.
func StoredName(ref common.DocumentReference, contentType string) string {
	var segment string
	if u, err := url.Parse(ref.URL); err == nil {
		segment = path.Base(u.Path)
	}
	urlExt := strings.ToLower(path.Ext(segment))

	stem := ref.DetailID
	if stem == "" {
		stem = strings.TrimSuffix(segment, path.Ext(segment))
	}
	stem = writer.SanitizeFilename(stem, maxStemLength)
	if stem == "" {
		stem = "document"
	}

	sum := sha256.Sum256([]byte(ref.URL))
	h8 := hex.EncodeToString(sum[:])[:8]

	return path.Join(writer.DocumentsDir, stem+"_"+h8+extension(urlExt, contentType))
}

func extension(urlExt, contentType string) string {
	if knownExtensions[urlExt] {
		return urlExt
	}
	if media, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := contentTypeExtensions[strings.ToLower(media)]; ok {
			return ext
		}
	}
	return ".pdf"
}
