// Package attendance assembles a person's daily report from stored
// events and their weekly schedule.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attendsync/internal/logging"
	"attendsync/internal/model"
	"attendsync/internal/sessions"
	"attendsync/internal/storage"
)

var ErrPersonNotFound = errors.New("person not found")

type People interface {
	Person(ctx context.Context, id string) (model.Person, bool, error)
	Schedule(ctx context.Context, personID string, date time.Time) (model.WeeklySchedule, bool, error)
}

type Report struct {
	PersonID     string             `json:"person_id"`
	Name         string             `json:"name,omitempty"`
	Date         string             `json:"date"`
	Shift        *model.ShiftWindow `json:"shift,omitempty"`
	Sessions     []model.Session    `json:"sessions"`
	HoursInside  float64            `json:"hours_inside"`
	HoursOutside float64            `json:"hours_outside"`
	Events       int                `json:"events"`
}

type Service struct {
	events   storage.EventStore
	people   People
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(events storage.EventStore, people People, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{events: events, people: people, location: loc, logger: logging.OrDiscard(logger), now: time.Now}
}

// Daily reports the sessions a person worked on date, split against that
// day's shift. Events are read from local midnight to the next midnight,
// or to the shift end when the shift runs past it.
func (s *Service) Daily(ctx context.Context, personID string, date time.Time) (Report, error) {
	person, ok, err := s.people.Person(ctx, personID)
	if err != nil {
		return Report{}, fmt.Errorf("lookup person %s: %w", personID, err)
	}
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrPersonNotFound, personID)
	}

	local := date.In(s.location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	dayEnd := dayStart.AddDate(0, 0, 1)
	report := Report{PersonID: person.ID, Name: person.Name, Date: dayStart.Format("2006-01-02")}

	schedule, hasSchedule, err := s.people.Schedule(ctx, personID, dayStart)
	if err != nil {
		return Report{}, fmt.Errorf("lookup schedule %s: %w", personID, err)
	}
	if hasSchedule {
		shift, err := sessions.ShiftWindowFor(dayStart, schedule, s.location)
		if err != nil {
			return Report{}, fmt.Errorf("shift window %s: %w", personID, err)
		}
		report.Shift = shift
		if shift != nil && shift.End.After(dayEnd) {
			dayEnd = shift.End
		}
	}

	events, err := s.load(ctx, person, dayStart, dayEnd)
	if err != nil {
		return Report{}, err
	}
	report.Events = len(events)
	res := sessions.ComputeSessionsAndHours(events, report.Shift, s.now(), s.location)
	report.Sessions = res.Sessions
	if report.Sessions == nil {
		report.Sessions = []model.Session{}
	}
	report.HoursInside = res.HoursInside
	report.HoursOutside = res.HoursOutside
	return report, nil
}

// load merges events recorded under the person id with those stored
// before the employee number was linked to a person.
func (s *Service) load(ctx context.Context, person model.Person, from, to time.Time) ([]model.NormalizedEvent, error) {
	subjects := []string{person.ID}
	if person.EmployeeNo != "" {
		subjects = append(subjects, "emp:"+person.EmployeeNo)
	}
	var out []model.NormalizedEvent
	for _, subject := range subjects {
		evs, err := s.events.EventsInRange(ctx, subject, from, to)
		if err != nil {
			return nil, fmt.Errorf("load events %s: %w", subject, err)
		}
		out = append(out, evs...)
	}
	s.logger.Debug("attendance events loaded", "person_id", person.ID, "from", from, "to", to, "events", len(out))
	return out, nil
}
