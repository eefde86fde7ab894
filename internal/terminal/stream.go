package terminal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"attendsync/internal/metrics"
	"attendsync/internal/model"
	"attendsync/internal/normalize"
)

// EventSink receives the events of one stream in arrival order, one call
// at a time. It must return once the event is handled; a panic inside it
// is recovered and counted as a skipped part.
type EventSink interface {
	HandleEvent(ctx context.Context, ev model.NormalizedEvent)
}

type SinkFunc func(ctx context.Context, ev model.NormalizedEvent)

func (f SinkFunc) HandleEvent(ctx context.Context, ev model.NormalizedEvent) { f(ctx, ev) }

type StreamEnd string

const (
	StreamClosed   StreamEnd = "closed"
	StreamTimeout  StreamEnd = "timeout"
	StreamCanceled StreamEnd = "canceled"
	StreamError    StreamEnd = "error"
)

type StreamResult struct {
	End        StreamEnd
	Events     int
	Heartbeats int
	Skipped    int
	Err        error
}

type subscribeEventXML struct {
	XMLName   xml.Name `xml:"SubscribeEvent"`
	Heartbeat int      `xml:"heartbeat"`
	EventMode string   `xml:"eventMode"`
	EventList []struct {
		Type string `xml:"type"`
	} `xml:"EventList>Event"`
}

// SubscribeToEvents asks the terminal to start pushing the given event
// types. Some firmwares stream regardless, so callers log a failure and
// still open the stream.
func (c *Client) SubscribeToEvents(ctx context.Context, eventTypes []string) error {
	sub := subscribeEventXML{Heartbeat: c.opts.HeartbeatSeconds, EventMode: "all"}
	if len(eventTypes) > 0 {
		sub.EventMode = "list"
		for _, et := range eventTypes {
			sub.EventList = append(sub.EventList, struct {
				Type string `xml:"type"`
			}{Type: et})
		}
	}
	body, err := xml.Marshal(sub)
	if err != nil {
		return newError("subscribe", KindData, 0, err)
	}
	resp, err := c.do(ctx, "subscribe", request{
		method:      http.MethodPost,
		path:        pathSubscribe,
		body:        append([]byte(xml.Header), body...),
		contentType: "application/xml",
		timeout:     c.opts.RequestTimeout,
	})
	if err != nil {
		return err
	}
	return checkStatus("subscribe", resp)
}

// StreamEvents holds the alert stream open and hands every recognised
// event part to sink. It returns when the terminal closes the connection,
// the stream is idle for longer than the idle timeout, or ctx ends.
// Malformed or unrecognised parts are skipped.
func (c *Client) StreamEvents(ctx context.Context, sink EventSink) StreamResult {
	if c.isClosed() {
		return StreamResult{End: StreamError, Err: newError("stream", KindTransport, 0, ErrClosed)}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idled atomic.Bool
	idle := time.AfterFunc(c.opts.StreamIdleTimeout, func() {
		idled.Store(true)
		cancel()
	})
	defer idle.Stop()

	httpReq, err := c.newHTTPRequest(streamCtx, request{method: http.MethodGet, path: pathAlertStream})
	if err != nil {
		return StreamResult{End: StreamError, Err: newError("stream", KindData, 0, err)}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.streamEnded(ctx, &idled, StreamResult{}, classifyTransport("stream", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return StreamResult{End: StreamError, Err: classifyStatus("stream", resp.StatusCode, parseResponseStatus(body))}
	}
	c.logger.Info("event stream opened")

	body := &idleReader{r: resp.Body, reset: func() { idle.Reset(c.opts.StreamIdleTimeout) }}
	pr := newPartReader(body)
	result := StreamResult{}
	for {
		p, err := pr.next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errStreamFinished) {
				err = nil
			}
			return c.streamEnded(ctx, &idled, result, err)
		}
		switch c.dispatch(streamCtx, p, sink) {
		case partEvent:
			result.Events++
		case partHeartbeat:
			result.Heartbeats++
		default:
			result.Skipped++
		}
	}
}

func (c *Client) streamEnded(parent context.Context, idled *atomic.Bool, res StreamResult, err error) StreamResult {
	switch {
	case idled.Load():
		res.End = StreamTimeout
		res.Err = newError("stream", KindTransport, 0, fmt.Errorf("no data for %s", c.opts.StreamIdleTimeout))
	case parent.Err() != nil:
		res.End = StreamCanceled
	case err == nil:
		res.End = StreamClosed
	default:
		res.End = StreamError
		res.Err = classifyTransport("stream", err)
	}
	metrics.StreamSessions.WithLabelValues(c.deviceID, string(res.End)).Inc()
	c.logger.Info("event stream ended", "end", res.End, "events", res.Events, "skipped", res.Skipped, "err", res.Err)
	return res
}

type partOutcome int

const (
	partSkipped partOutcome = iota
	partEvent
	partHeartbeat
)

// dispatch handles one part. Nothing raised while decoding the part or
// inside the sink escapes.
func (c *Client) dispatch(ctx context.Context, p part, sink EventSink) (outcome partOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("stream part handler panicked", "part", p.name, "panic", fmt.Sprint(r))
			metrics.StreamPartsSkipped.WithLabelValues(c.deviceID, "panic").Inc()
			outcome = partSkipped
		}
	}()
	if p.oversized {
		c.logger.Warn("stream part too large", "part", p.name)
		metrics.StreamPartsSkipped.WithLabelValues(c.deviceID, "oversized").Inc()
		return partSkipped
	}
	if p.name != "" && !c.wantPart(p.name) {
		c.logger.Debug("unrecognised stream part", "part", p.name)
		metrics.StreamPartsSkipped.WithLabelValues(c.deviceID, "unrecognised").Inc()
		return partSkipped
	}
	if !p.isJSON() {
		metrics.StreamPartsSkipped.WithLabelValues(c.deviceID, "not_json").Inc()
		return partSkipped
	}
	var raw map[string]any
	if err := json.Unmarshal(p.body, &raw); err != nil {
		c.logger.Warn("malformed stream part", "part", p.name, "err", err)
		metrics.StreamPartsSkipped.WithLabelValues(c.deviceID, "malformed").Inc()
		return partSkipped
	}
	if normalize.IsHeartbeat(raw) {
		return partHeartbeat
	}
	name := p.name
	if name == "" {
		name = normalize.EventType(raw)
	}
	if !c.wantPart(name) {
		c.logger.Debug("unrecognised stream part", "part", name)
		metrics.StreamPartsSkipped.WithLabelValues(c.deviceID, "unrecognised").Inc()
		return partSkipped
	}
	ev := normalize.Normalize(raw, c.Host(), normalize.Options{Location: c.opts.Location})
	ev.Source = "stream"
	sink.HandleEvent(ctx, ev)
	return partEvent
}

func (c *Client) wantPart(name string) bool {
	for _, want := range c.opts.EventPartNames {
		if strings.EqualFold(want, name) {
			return true
		}
	}
	return false
}

type idleReader struct {
	r     io.Reader
	reset func()
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.reset()
	}
	return n, err
}

var errStreamFinished = errors.New("multipart stream finished")

type part struct {
	name        string
	contentType string
	body        []byte
	// oversized parts had their body discarded.
	oversized bool
}

func (p part) isJSON() bool {
	if strings.Contains(strings.ToLower(p.contentType), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(p.body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// partReader splits the alert stream. The terminal's Content-Type
// boundary parameter is not reliable, so the boundary is taken from the
// first non-empty line of the body.
type partReader struct {
	br       *bufio.Reader
	boundary string
	done     bool
	// maxPart caps a body read without Content-Length; longer lines are
	// truncated just past it.
	maxPart int
}

func newPartReader(r io.Reader) *partReader {
	return &partReader{br: bufio.NewReaderSize(r, 64<<10), maxPart: maxResponseBytes}
}

func (pr *partReader) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := pr.br.ReadSlice('\n')
		if len(line) <= pr.maxPart {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
			return string(line), err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

func (pr *partReader) isBoundary(line string) (boundary, final bool) {
	line = strings.TrimSpace(line)
	if line == pr.boundary {
		return true, false
	}
	if line == pr.boundary+"--" {
		return true, true
	}
	return false, false
}

func (pr *partReader) next() (part, error) {
	if pr.done {
		return part{}, errStreamFinished
	}
	if pr.boundary == "" {
		for {
			line, err := pr.readLine()
			if err != nil {
				return part{}, err
			}
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				pr.boundary = trimmed
				break
			}
		}
	}
	p, length, err := pr.readHeaders()
	if err != nil {
		return part{}, err
	}
	if length >= 0 {
		p.body = make([]byte, length)
		if _, err := io.ReadFull(pr.br, p.body); err != nil {
			return part{}, err
		}
		// A read error here surfaces on the next call; this part is complete.
		_ = pr.skipToBoundary()
		return p, nil
	}
	var buf bytes.Buffer
	for {
		line, err := pr.readLine()
		if err != nil {
			if buf.Len() > 0 {
				p.body = bytes.TrimSpace(buf.Bytes())
				return p, nil
			}
			return part{}, err
		}
		if isB, final := pr.isBoundary(line); isB {
			pr.done = final
			p.body = bytes.TrimSpace(buf.Bytes())
			return p, nil
		}
		if buf.Len()+len(line) > pr.maxPart {
			p.oversized = true
			// A read error here surfaces on the next call.
			_ = pr.skipToBoundary()
			return p, nil
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// readHeaders consumes a part's header block. length is -1 when the part
// has no usable Content-Length.
func (pr *partReader) readHeaders() (part, int, error) {
	var p part
	length := -1
	sawHeader := false
	for {
		line, err := pr.readLine()
		if err != nil {
			return part{}, 0, err
		}
		if strings.TrimSpace(line) == "" {
			if sawHeader {
				return p, length, nil
			}
			continue
		}
		if isB, final := pr.isBoundary(line); isB {
			if final {
				pr.done = true
				return part{}, 0, errStreamFinished
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		sawHeader = true
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "content-disposition":
			if _, params, err := mime.ParseMediaType(value); err == nil {
				p.name = params["name"]
			}
		case "content-type":
			p.contentType = value
		case "content-length":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 && n <= maxResponseBytes {
				length = n
			}
		}
	}
}

// skipToBoundary discards the line break after a length-delimited body
// and stops after the next boundary line.
func (pr *partReader) skipToBoundary() error {
	for {
		line, err := pr.readLine()
		if err != nil {
			return err
		}
		if isB, final := pr.isBoundary(line); isB {
			pr.done = final
			return nil
		}
	}
}
