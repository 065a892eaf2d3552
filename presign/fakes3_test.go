package presign

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type completePartXML struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeUploadXML struct {
	Parts []completePartXML `xml:"Part"`
}

type multipartState struct {
	key   string
	parts map[int][]byte
}

// fakeS3 serves the path style S3 calls issued while uploading: multipart create, part PUT,
// complete, abort and browser form POST.
type fakeS3 struct {
	server *httptest.Server

	mu        sync.Mutex
	nextID    int
	uploads   map[string]*multipartState
	objects   map[string][]byte
	aborted   []string
	partPuts  int
	formPosts int
}

func newFakeS3(t *testing.T) *fakeS3 {
	s := &fakeS3{
		uploads: map[string]*multipartState{},
		objects: map[string][]byte{},
	}
	s.server = httptest.NewServer(s)
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeS3) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *fakeS3) partPutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partPuts
}

func (s *fakeS3) formPostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formPosts
}

func (s *fakeS3) abortedUploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		s.create(w, key)
	case r.Method == http.MethodPost && q.Get("uploadId") != "":
		s.complete(w, r, key, q.Get("uploadId"))
	case r.Method == http.MethodPost:
		s.form(w, r)
	case r.Method == http.MethodPut && q.Get("partNumber") != "":
		s.part(w, r, q.Get("uploadId"), q.Get("partNumber"))
	case r.Method == http.MethodDelete && q.Get("uploadId") != "":
		s.abort(w, q.Get("uploadId"))
	default:
		http.Error(w, "unexpected request "+r.Method+" "+r.URL.String(), http.StatusBadRequest)
	}
}

func (s *fakeS3) create(w http.ResponseWriter, key string) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &multipartState{key: key, parts: map[int][]byte{}}
	s.mu.Unlock()

	writeXML(w, http.StatusOK, fmt.Sprintf(
		`<InitiateMultipartUploadResult><Bucket>uploads-bucket</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`,
		key, id))
}

func (s *fakeS3) part(w http.ResponseWriter, r *http.Request, uploadID, partNumber string) {
	n, err := strconv.Atoi(partNumber)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		writeXML(w, http.StatusNotFound, `<Error><Code>NoSuchUpload</Code></Error>`)
		return
	}
	u.parts[n] = data
	s.partPuts++
	w.Header().Set("ETag", etag(data))
	w.WriteHeader(http.StatusOK)
}

func (s *fakeS3) complete(w http.ResponseWriter, r *http.Request, key, uploadID string) {
	var body completeUploadXML
	if err := xml.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.key != key {
		writeXML(w, http.StatusNotFound, `<Error><Code>NoSuchUpload</Code></Error>`)
		return
	}
	if !sort.SliceIsSorted(body.Parts, func(i, j int) bool { return body.Parts[i].PartNumber < body.Parts[j].PartNumber }) {
		writeXML(w, http.StatusBadRequest, `<Error><Code>InvalidPartOrder</Code></Error>`)
		return
	}

	var content bytes.Buffer
	for _, p := range body.Parts {
		data, ok := u.parts[p.PartNumber]
		if !ok || strings.Trim(etag(data), `"`) != strings.Trim(p.ETag, `"`) {
			writeXML(w, http.StatusBadRequest, `<Error><Code>InvalidPart</Code></Error>`)
			return
		}
		content.Write(data)
	}
	s.objects[key] = content.Bytes()
	delete(s.uploads, uploadID)

	writeXML(w, http.StatusOK, fmt.Sprintf(
		`<CompleteMultipartUploadResult><Bucket>uploads-bucket</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`,
		key))
}

func (s *fakeS3) abort(w http.ResponseWriter, uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		writeXML(w, http.StatusNotFound, `<Error><Code>NoSuchUpload</Code><Message>The specified upload does not exist.</Message></Error>`)
		return
	}
	delete(s.uploads, uploadID)
	s.aborted = append(s.aborted, uploadID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeS3) form(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.FormValue("policy") == "" {
		writeXML(w, http.StatusForbidden, `<Error><Code>AccessDenied</Code></Error>`)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close() //nolint:errcheck
	data, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.objects[r.FormValue("key")] = data
	s.formPosts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` + body))
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
