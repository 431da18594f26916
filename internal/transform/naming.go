package transform

import (
	"net/url"
	"path"
	"strings"
)

const (
	suffixRegridded = "_regridded"
	suffixSubsetted = "_subsetted"
)

// mimeExtensions maps supported output formats to file extensions
var mimeExtensions = map[string]string{
	"image/tiff":            "tif",
	"image/png":             "png",
	"image/gif":             "gif",
	"application/x-netcdf4": "nc",
}

// ExtensionFor returns the file extension for a MIME type
func ExtensionFor(mimeType string) (string, bool) {
	ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]
	return ext, ok
}

// MimeFor returns the MIME type for a file name's extension
func MimeFor(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "tiff" {
		ext = "tif"
	}
	for mimeType, e := range mimeExtensions {
		if e == ext {
			return mimeType
		}
	}
	return "application/octet-stream"
}

// OutputFilename derives an output name from an input URL: the base name without
// query or extension, then the variable (only when exactly one was requested),
// _regridded and _subsetted. Suffixes already present are kept once, in that order.
func OutputFilename(rawURL, ext string, variables []string, regridded, subsetted bool) string {
	base := baseName(rawURL)
	if e := path.Ext(base); e != "" {
		base = strings.TrimSuffix(base, e)
	}

	var variable string
	if len(variables) == 1 {
		variable = "_" + strings.ReplaceAll(variables[0], "/", "_")
	}

	hasSubsetted := strings.HasSuffix(base, suffixSubsetted)
	base = strings.TrimSuffix(base, suffixSubsetted)
	hasRegridded := strings.HasSuffix(base, suffixRegridded)
	base = strings.TrimSuffix(base, suffixRegridded)
	hasVariable := variable != "" && strings.HasSuffix(base, variable)
	if hasVariable {
		base = strings.TrimSuffix(base, variable)
	}

	var b strings.Builder
	b.WriteString(base)
	if variable != "" {
		b.WriteString(variable)
	}
	if regridded || hasRegridded {
		b.WriteString(suffixRegridded)
	}
	if subsetted || hasSubsetted {
		b.WriteString(suffixSubsetted)
	}
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		b.WriteString(".")
		b.WriteString(ext)
	}
	return b.String()
}

func baseName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	return path.Base(p)
}
