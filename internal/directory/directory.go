// Package directory serves the device, person and shift-schedule lookups
// from the current config snapshot.
package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/model"
)

var ErrNotFound = errors.New("not found")

type Directory struct {
	cfg *config.Manager

	mu       sync.RWMutex
	lastSync map[string]time.Time
}

func New(cfg *config.Manager) *Directory {
	return &Directory{cfg: cfg, lastSync: make(map[string]time.Time)}
}

func (d *Directory) Device(_ context.Context, id string) (model.Device, error) {
	cfg := d.cfg.Get()
	for _, dc := range cfg.Devices {
		if dc.ID == id {
			return d.toDevice(cfg, dc), nil
		}
	}
	return model.Device{}, ErrNotFound
}

func (d *Directory) Devices(_ context.Context) ([]model.Device, error) {
	cfg := d.cfg.Get()
	out := make([]model.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		out = append(out, d.toDevice(cfg, dc))
	}
	return out, nil
}

func (d *Directory) MarkSynced(_ context.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSync[id] = at.UTC()
	return nil
}

func (d *Directory) toDevice(cfg *config.Config, dc config.DeviceConfig) model.Device {
	d.mu.RLock()
	last := d.lastSync[dc.ID]
	d.mu.RUnlock()
	return model.Device{
		ID:             dc.ID,
		Name:           dc.Name,
		Address:        strings.TrimRight(dc.Address, "/"),
		Username:       dc.Username,
		PasswordCipher: passwordBytes(cfg.Credentials.Secret, dc.Password),
		Active:         dc.Active,
		Kind:           model.DeviceKind(dc.Kind),
		InsecureTLS:    dc.InsecureTLS,
		LastSync:       last,
	}
}

// passwordBytes returns base64-decoded ciphertext when a secret is
// configured, the raw password otherwise.
func passwordBytes(secret, stored string) []byte {
	if stored == "" {
		return nil
	}
	if secret == "" {
		return []byte(stored)
	}
	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil
	}
	return data
}

// PersonByEmployeeNo maps the terminal-assigned number to a person.
func (d *Directory) PersonByEmployeeNo(_ context.Context, employeeNo string) (model.Person, bool, error) {
	employeeNo = strings.TrimSpace(employeeNo)
	if employeeNo == "" {
		return model.Person{}, false, nil
	}
	for _, pc := range d.cfg.Get().Persons {
		if pc.EmployeeNo == employeeNo {
			return toPerson(pc), true, nil
		}
	}
	return model.Person{}, false, nil
}

func (d *Directory) Person(_ context.Context, id string) (model.Person, bool, error) {
	for _, pc := range d.cfg.Get().Persons {
		if pc.ID == id {
			return toPerson(pc), true, nil
		}
	}
	return model.Person{}, false, nil
}

// Schedule returns the weekly schedule in effect for the person on date.
// Schedules are not versioned, so the date is only used by callers that
// need to pick the weekday.
func (d *Directory) Schedule(ctx context.Context, personID string, _ time.Time) (model.WeeklySchedule, bool, error) {
	p, ok, err := d.Person(ctx, personID)
	if err != nil || !ok {
		return nil, false, err
	}
	return p.Schedule, len(p.Schedule) > 0, nil
}

func toPerson(pc config.PersonConfig) model.Person {
	p := model.Person{ID: pc.ID, EmployeeNo: pc.EmployeeNo, Name: pc.Name}
	if len(pc.Schedule) > 0 {
		p.Schedule = make(model.WeeklySchedule, len(pc.Schedule))
		for day, shift := range pc.Schedule {
			if wd, ok := config.ParseWeekday(day); ok {
				p.Schedule[wd] = model.ShiftTimes{Start: shift.Start, End: shift.End}
			}
		}
	}
	return p
}
