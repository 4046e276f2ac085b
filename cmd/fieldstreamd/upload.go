// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/juju/fieldstream/apiserver"
	"github.com/juju/fieldstream/core/upload"
)

// fileResult describes one received file in the upload response.
type fileResult struct {
	ID       int    `json:"id"`
	Field    string `json:"field"`
	Filename string `json:"filename"`
	Size     string `json:"size"`
	SHA256   string `json:"sha256"`
}

// uploadResponse is the JSON document returned for a completed upload.
type uploadResponse struct {
	Session string            `json:"session"`
	Fields  map[string]string `json:"fields,omitempty"`
	Files   []fileResult      `json:"files"`
}

// newUploadHandler returns the demonstration endpoint. By the time it
// runs the text fields are already in hand; it then drains every
// uploaded file through a sha256 digest and reports what it saw.
func newUploadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := apiserver.SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "expected a form-encoded request body", http.StatusUnsupportedMediaType)
			return
		}
		resp := uploadResponse{
			Session: sess.ID(),
			Fields:  sess.Fields(),
			Files:   []fileResult{},
		}
		global, err := sess.GlobalUpload()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for {
			file, err := global.Next(r.Context())
			if upload.IsDone(err) {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			digest := sha256.New()
			size, err := io.Copy(digest, file)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = file.Close()
			resp.Files = append(resp.Files, fileResult{
				ID:       file.ID(),
				Field:    file.Field(),
				Filename: file.Filename(),
				Size:     humanize.IBytes(uint64(size)),
				SHA256:   hex.EncodeToString(digest.Sum(nil)),
			})
			logger.Infof("received %q (%s) on field %q",
				file.Filename(), humanize.IBytes(uint64(size)), file.Field())
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Errorf("writing upload response: %v", err)
		}
	})
}
