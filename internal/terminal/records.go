package terminal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"attendsync/internal/model"
	"attendsync/internal/normalize"
)

const (
	recordPageSize  = 30
	protocolTimeFmt = "2006-01-02T15:04:05-07:00"
)

type eventSearchResponse struct {
	EventSearchResult struct {
		ResponseStatusStrg string           `json:"responseStatusStrg"`
		NumOfMatches       int              `json:"numOfMatches"`
		EventList          []map[string]any `json:"EventList"`
	} `json:"EventSearchResult"`
}

type acsEventResponse struct {
	AcsEvent struct {
		SearchID           string           `json:"searchID"`
		ResponseStatusStrg string           `json:"responseStatusStrg"`
		NumOfMatches       int              `json:"numOfMatches"`
		TotalMatches       int              `json:"totalMatches"`
		InfoList           []map[string]any `json:"InfoList"`
	} `json:"AcsEvent"`
}

// page is one decoded result page of either search endpoint.
type page struct {
	more    bool
	matches int
	events  []map[string]any
}

type searchFunc func(ctx context.Context, searchID string, position, size int, start, end time.Time) (page, error)

// GetAttendanceRecords pulls stored events between start and end. Firmwares
// differ in which search endpoint they support, so the generic event
// search is tried first and the access-control search second.
func (c *Client) GetAttendanceRecords(ctx context.Context, start, end time.Time, maxRecords int) ([]model.NormalizedEvent, error) {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	if end.Before(start) {
		return nil, newError("records", KindData, 0, errors.New("end before start"))
	}
	raws, err := c.collect(ctx, c.searchEvents, start, end, maxRecords)
	if err != nil {
		c.logger.Debug("event search unavailable, trying access-control search", "err", err)
		raws, err = c.collect(ctx, c.searchAcsEvents, start, end, maxRecords)
		if err != nil {
			return nil, err
		}
	}
	opts := normalize.Options{Location: c.opts.Location}
	events := make([]model.NormalizedEvent, 0, len(raws))
	for _, raw := range raws {
		ev := normalize.Normalize(raw, c.Host(), opts)
		ev.Source = "pull"
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) collect(ctx context.Context, search searchFunc, start, end time.Time, maxRecords int) ([]map[string]any, error) {
	searchID := uuid.NewString()
	var out []map[string]any
	for position := 0; len(out) < maxRecords; {
		pg, err := search(ctx, searchID, position, min(recordPageSize, maxRecords-len(out)), start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, pg.events...)
		if !pg.more || pg.matches == 0 {
			break
		}
		position += pg.matches
	}
	if len(out) > maxRecords {
		out = out[:maxRecords]
	}
	return out, nil
}

func (c *Client) formatTime(t time.Time) string {
	return t.In(c.opts.Location).Format(protocolTimeFmt)
}

func (c *Client) searchEvents(ctx context.Context, searchID string, position, size int, start, end time.Time) (page, error) {
	req, err := jsonRequest(http.MethodPost, pathEventSearch, map[string]any{
		"EventSearchDescription": map[string]any{
			"searchID":             searchID,
			"searchResultPosition": position,
			"maxResults":           size,
			"eventType":            "AccessControllerEvent",
			"timeSpanList": []map[string]string{{
				"startTime": c.formatTime(start),
				"endTime":   c.formatTime(end),
			}},
		},
	})
	if err != nil {
		return page{}, newError("event_search", KindData, 0, err)
	}
	req.timeout = c.opts.BulkTimeout
	resp, err := c.do(ctx, "event_search", req)
	if err != nil {
		return page{}, err
	}
	var out eventSearchResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return page{}, newError("event_search", KindProtocol, resp.status, err)
	}
	if out.EventSearchResult.ResponseStatusStrg == "" {
		return page{}, newError("event_search", KindProtocol, resp.status, errEmptyField("EventSearchResult"))
	}
	r := out.EventSearchResult
	return page{more: strings.EqualFold(r.ResponseStatusStrg, "MORE"), matches: r.NumOfMatches, events: r.EventList}, nil
}

func (c *Client) searchAcsEvents(ctx context.Context, searchID string, position, size int, start, end time.Time) (page, error) {
	req, err := jsonRequest(http.MethodPost, pathAcsEvent, map[string]any{
		"AcsEventCond": map[string]any{
			"searchID":             searchID,
			"searchResultPosition": position,
			"maxResults":           size,
			"major":                0,
			"minor":                0,
			"startTime":            c.formatTime(start),
			"endTime":              c.formatTime(end),
		},
	})
	if err != nil {
		return page{}, newError("acs_event_search", KindData, 0, err)
	}
	req.timeout = c.opts.BulkTimeout
	resp, err := c.do(ctx, "acs_event_search", req)
	if err != nil {
		return page{}, err
	}
	var out acsEventResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return page{}, newError("acs_event_search", KindProtocol, resp.status, err)
	}
	r := out.AcsEvent
	return page{more: strings.EqualFold(r.ResponseStatusStrg, "MORE"), matches: r.NumOfMatches, events: r.InfoList}, nil
}
