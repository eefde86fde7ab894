package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/credentials"
)

func TestDeviceLookupDecodesCipher(t *testing.T) {
	enc, err := credentials.NewEncryptor("k")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	stored, err := enc.EncryptString("pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Credentials.Secret = "k"
	cfg.Devices = []config.DeviceConfig{{ID: "d1", Address: "http://10.0.0.2/", Password: stored, Active: true, Kind: "entry"}}
	dir := New(config.NewStaticManager(cfg))

	dev, err := dir.Device(context.Background(), "d1")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if dev.Address != "http://10.0.0.2" {
		t.Fatalf("address not trimmed: %q", dev.Address)
	}
	plain, err := enc.Decrypt(dev.PasswordCipher)
	if err != nil || plain != "pw" {
		t.Fatalf("cipher roundtrip: %q %v", plain, err)
	}
	if _, err := dir.Device(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduleAndPersonLookup(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Persons = []config.PersonConfig{{
		ID:         "p1",
		EmployeeNo: "1001",
		Name:       "Ada",
		Schedule:   map[string]config.ShiftEntry{"monday": {Start: "09:00", End: "18:00"}},
	}}
	dir := New(config.NewStaticManager(cfg))
	p, ok, err := dir.PersonByEmployeeNo(context.Background(), " 1001 ")
	if err != nil || !ok || p.ID != "p1" {
		t.Fatalf("person lookup: %+v %v %v", p, ok, err)
	}
	sched, ok, err := dir.Schedule(context.Background(), "p1", time.Now())
	if err != nil || !ok {
		t.Fatalf("schedule: %v %v", ok, err)
	}
	if sched[time.Monday].Start != "09:00" {
		t.Fatalf("monday shift: %+v", sched[time.Monday])
	}
	if _, ok, _ := dir.PersonByEmployeeNo(context.Background(), "9999"); ok {
		t.Fatalf("unexpected person for unknown employee")
	}
}

func TestMarkSynced(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Devices = []config.DeviceConfig{{ID: "d1", Address: "http://x", Kind: "both"}}
	dir := New(config.NewStaticManager(cfg))
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = dir.MarkSynced(context.Background(), "d1", at)
	dev, _ := dir.Device(context.Background(), "d1")
	if !dev.LastSync.Equal(at) {
		t.Fatalf("last sync: %s", dev.LastSync)
	}
}
