package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"attendsync/internal/metrics"
	"attendsync/internal/normalize"
)

type PushOutcome string

const (
	// PushReceived means at least one event was decoded and handed on.
	PushReceived PushOutcome = "received"
	// PushIgnored is a heartbeat or another payload with no presence event.
	PushIgnored PushOutcome = "ignored"
	// PushUnrecognized is a body in neither wire encoding. Not an error.
	PushUnrecognized PushOutcome = "unrecognized"
	// PushDuplicate is a redelivery of a payload seen moments ago.
	PushDuplicate PushOutcome = "duplicate"
)

type PushResult struct {
	Outcome   PushOutcome `json:"outcome"`
	Events    int         `json:"events"`
	Persisted int         `json:"persisted"`
	Error     string      `json:"error,omitempty"`
}

const maxPushParts = 16

var errNotMultipart = errors.New("not a multipart body")

// IngestPushEvent handles one webhook delivery. The multipart encoding is
// tried first and bare JSON second. It never fails: storage errors are
// reported in the result so the receiver can still acknowledge the
// terminal, which would otherwise keep retrying.
func (p *Pipeline) IngestPushEvent(ctx context.Context, body []byte, headers http.Header, sender string) PushResult {
	if len(bytes.TrimSpace(body)) == 0 {
		metrics.PushOutcomes.WithLabelValues(string(PushUnrecognized)).Inc()
		return PushResult{Outcome: PushUnrecognized}
	}
	seen := p.dedupe.Seen(PayloadKey(sender, body), p.now())
	metrics.PushDedupeEntries.Set(float64(p.dedupe.Len()))
	if seen {
		metrics.PushOutcomes.WithLabelValues(string(PushDuplicate)).Inc()
		return PushResult{Outcome: PushDuplicate}
	}

	contentType := headers.Get("Content-Type")
	raws, err := decodeMultipart(body, contentType)
	if err != nil || len(raws) == 0 {
		raws = decodeForm(body, contentType)
	}
	if len(raws) == 0 {
		raws = decodeJSON(body)
	}
	if len(raws) == 0 {
		p.logger.Debug("push payload not recognised", "sender", sender, "content_type", contentType)
		metrics.PushOutcomes.WithLabelValues(string(PushUnrecognized)).Inc()
		return PushResult{Outcome: PushUnrecognized}
	}

	res := PushResult{Outcome: PushIgnored}
	opts := normalize.Options{Location: p.location, Now: p.now}
	var errs []string
	for _, raw := range raws {
		if normalize.IsHeartbeat(raw) {
			continue
		}
		ev := normalize.Normalize(raw, sender, opts)
		ev.Source = "push"
		res.Outcome = PushReceived
		res.Events++
		out := p.Accept(ctx, ev)
		if out.Err != nil {
			errs = append(errs, out.Err.Error())
			continue
		}
		if out.Inserted {
			res.Persisted++
		}
	}
	if len(errs) > 0 {
		res.Error = strings.Join(errs, "; ")
	}
	metrics.PushOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

// decodeMultipart collects every part that holds a JSON object.
func decodeMultipart(body []byte, contentType string) ([]map[string]any, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, errNotMultipart
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	var out []map[string]any
	for i := 0; i < maxPushParts; i++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		data, err := io.ReadAll(io.LimitReader(part, 1<<20))
		_ = part.Close()
		if err != nil {
			return out, err
		}
		if !strings.Contains(part.Header.Get("Content-Type"), "json") && !looksLikeObject(data) {
			continue
		}
		if raw, ok := decodeObject(data); ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

// decodeForm handles urlencoded deliveries whose field values are JSON.
func decodeForm(body []byte, contentType string) []map[string]any {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/x-www-form-urlencoded" {
		return nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}
	var out []map[string]any
	for _, vs := range values {
		for _, v := range vs {
			if raw, ok := decodeObject([]byte(v)); ok {
				out = append(out, raw)
			}
		}
	}
	return out
}

// decodeJSON accepts a single object or an array of objects.
func decodeJSON(body []byte) []map[string]any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil
		}
		return list
	}
	if raw, ok := decodeObject(trimmed); ok {
		return []map[string]any{raw}
	}
	return nil
}

func decodeObject(data []byte) (map[string]any, bool) {
	data = bytes.TrimSpace(data)
	if !looksLikeObject(data) {
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

func looksLikeObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{'
}
