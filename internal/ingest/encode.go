package ingest

import (
	"bytes"
	"fmt"
	"maps"
	"mime/multipart"
	"net/textproto"
	"slices"
	"strconv"
	"sync"

	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

var json = sonic.ConfigStd

// EncodingZstd is the Content-Encoding value for compressed bodies.
const EncodingZstd = "zstd"

var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// BatchBody is the JSON body of a batch request.
type BatchBody struct {
	Post  []*runtree.Payload `json:"post"`
	Patch []*runtree.Payload `json:"patch"`
}

func encodeBatch(ops []runtree.Operation) ([]byte, error) {
	body := BatchBody{Post: []*runtree.Payload{}, Patch: []*runtree.Payload{}}
	for _, op := range ops {
		if op.Kind == runtree.OpCreate {
			body.Post = append(body.Post, op.Payload)
		} else {
			body.Patch = append(body.Patch, op.Payload)
		}
	}
	return json.Marshal(body)
}

// encodeMultipart writes one part per payload, split so inputs and outputs
// travel as their own parts, followed by attachment parts.
func encodeMultipart(ops []runtree.Operation) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, op := range ops {
		prefix := op.Kind.String() + "." + op.RunID().String()

		main := op.Payload.Clone()
		inputs, outputs := main.Inputs, main.Outputs
		main.Inputs, main.Outputs = nil, nil
		if err := writeJSONPart(w, prefix, main); err != nil {
			return nil, "", err
		}
		if inputs != nil {
			if err := writeJSONPart(w, prefix+".inputs", inputs); err != nil {
				return nil, "", err
			}
		}
		if outputs != nil {
			if err := writeJSONPart(w, prefix+".outputs", outputs); err != nil {
				return nil, "", err
			}
		}

		for _, name := range slices.Sorted(maps.Keys(op.Attachments)) {
			a := op.Attachments[name]
			field := "attachment." + op.RunID().String() + "." + name
			if err := writePart(w, field, name, a.MimeType, a.Data); err != nil {
				return nil, "", err
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// encodeAttachments builds the body for the per-run attachment endpoint.
func encodeAttachments(atts map[string]runtree.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range slices.Sorted(maps.Keys(atts)) {
		a := atts[name]
		if err := writePart(w, name, name, a.MimeType, a.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeJSONPart(w *multipart.Writer, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode part %s: %w", field, err)
	}
	return writePart(w, field, "", "application/json", data)
}

func writePart(w *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	disposition := fmt.Sprintf(`form-data; name=%q`, field)
	if filename != "" {
		disposition += fmt.Sprintf(`; filename=%q`, filename)
	}
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// compress zstd-encodes body.
func compress(body []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
}
