package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Source provides the content of one file to upload.
// Open may be called more than once; every call must return the content from its start.
type Source interface {
	Open() (io.ReadCloser, error)
}

type fileSource struct {
	path string
}

// FileSource returns a Source reading the file at path.
func FileSource(path string) Source {
	return fileSource{path: path}
}

// Open ...
func (s fileSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// String ...
func (s fileSource) String() string {
	return s.path
}

type bytesSource struct {
	data []byte
}

// BytesSource returns a Source serving data, which is already in memory.
func BytesSource(data []byte) Source {
	return bytesSource{data: data}
}

// Open ...
func (s bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// DetectFile describes the local file at path and returns a Source for it.
// The mimetype is sniffed from the file content.
func DetectFile(path string) (FileToUpload, Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileToUpload{}, nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return FileToUpload{}, nil, fmt.Errorf("%s is a directory", path)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return FileToUpload{}, nil, fmt.Errorf("detect mimetype of %s: %w", path, err)
	}
	contentType := mtype.String()
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}

	return FileToUpload{
		Filename: filepath.Base(path),
		Mimetype: contentType,
		Size:     info.Size(),
	}, FileSource(path), nil
}

// readSource reads the whole content of src into memory.
func readSource(src Source) ([]byte, error) {
	r, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}
