package utils

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/ulikunitz/xz"
)

// romExtensions are treated as raw SNES ROM images regardless of
// content.
var romExtensions = map[string]bool{
	".sfc": true,
	".smc": true,
	".bin": true,
	".bs":  true,
}

// LoadFile loads the given file and performs decompression if
// necessary. Archives (.zip, .7z) yield their first ROM-looking
// entry, falling back to the first entry; .gz and .xz streams are
// decompressed as-is.
func LoadFile(filename string) ([]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || romExtensions[ext] {
		return data, nil
	}

	var decoder io.Reader
	switch ext {
	case ".gz":
		decoder, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	case ".xz":
		decoder, err = xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	case ".zip":
		zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, err
		}
		if len(zipReader.File) == 0 {
			return nil, fmt.Errorf("utils: %s is empty", filename)
		}
		entry := zipReader.File[0]
		for _, zf := range zipReader.File {
			if romExtensions[strings.ToLower(filepath.Ext(zf.Name))] {
				entry = zf
				break
			}
		}
		decoder, err = entry.Open()
		if err != nil {
			return nil, err
		}
	case ".7z":
		r, err := sevenzip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, err
		}
		if len(r.File) == 0 {
			return nil, fmt.Errorf("utils: %s is empty", filename)
		}
		entry := r.File[0]
		for _, zf := range r.File {
			if romExtensions[strings.ToLower(filepath.Ext(zf.Name))] {
				entry = zf
				break
			}
		}
		decoder, err = entry.Open()
		if err != nil {
			return nil, err
		}
	default:
		// unknown extension, return the data as is
		return data, nil
	}

	return io.ReadAll(decoder)
}
