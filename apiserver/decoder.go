// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"

	"github.com/juju/fieldstream/core/upload"
)

// multipartDecoder adapts a streaming multipart reader to the
// upload.Decoder contract. The whole body is never buffered: each
// part's Body reads straight from the wire.
type multipartDecoder struct {
	reader *multipart.Reader
}

func newMultipartDecoder(body io.Reader, boundary string) *multipartDecoder {
	return &multipartDecoder{reader: multipart.NewReader(body, boundary)}
}

// NextPart implements upload.Decoder, passing io.EOF through bare at
// the closing boundary.
func (d *multipartDecoder) NextPart() (*upload.Part, error) {
	part, err := d.reader.NextPart()
	if err != nil {
		return nil, err
	}
	field, filename, isFile := disposition(part)
	return &upload.Part{
		Field:    field,
		IsFile:   isFile,
		Filename: filename,
		Body:     part,
	}, nil
}

// disposition extracts the field name, filename and fileness of a
// part. A part is a file exactly when its Content-Disposition declares
// a filename parameter: browsers send filename="" for an empty file
// input, and that is still a file, not a text field.
func disposition(part *multipart.Part) (field, filename string, isFile bool) {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return part.FormName(), part.FileName(), part.FileName() != ""
	}
	filename, isFile = params["filename"]
	return params["name"], filename, isFile
}

// formDecoder replays the pairs of an url-encoded body as text parts.
// Such requests never carry files, so their sessions pass control at
// end of request with every field in the snapshot.
type formDecoder struct {
	body   io.Reader
	parsed bool
	pairs  []pair
	next   int
}

type pair struct {
	field string
	value string
}

func newFormDecoder(body io.Reader) *formDecoder {
	return &formDecoder{body: body}
}

// NextPart implements upload.Decoder. The body is read and parsed on
// the first call; repeated keys replay in value order.
func (d *formDecoder) NextPart() (*upload.Part, error) {
	if !d.parsed {
		d.parsed = true
		data, err := io.ReadAll(d.body)
		if err != nil {
			return nil, err
		}
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, err
		}
		fields := make([]string, 0, len(values))
		for field := range values {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			for _, value := range values[field] {
				d.pairs = append(d.pairs, pair{field: field, value: value})
			}
		}
	}
	if d.next >= len(d.pairs) {
		return nil, io.EOF
	}
	p := d.pairs[d.next]
	d.next++
	return &upload.Part{Field: p.field, Body: strings.NewReader(p.value)}, nil
}
