package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iphizic/homed-service-zigbee/internal/store"
)

// Load restores the structural database and then the property snapshot.
// Missing or unreadable snapshots leave the registry empty.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.unlock()

	var db DatabaseSnapshot
	if r.loadSnapshot(store.KeyDatabase, &db) {
		r.permitJoin = db.PermitJoin
		r.unserializeDevices(db.Devices)
	}

	var props PropertySnapshot
	if r.loadSnapshot(store.KeyProperties, &props) {
		r.unserializeProperties(props)
	}

	last, err := json.Marshal(r.serializeProperties())
	if err == nil {
		r.lastProperties = last
	}
	r.logger.Info("registry loaded", "devices", len(r.devices))

	// Starts the heartbeat and publishes the initial status.
	r.storeDatabase()
}

func (r *Registry) loadSnapshot(key string, v any) bool {
	data, err := r.store.Load(key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logger.Info("snapshot not found, starting empty", "snapshot", key)
		return false
	case err != nil:
		r.logger.Warn("read snapshot", "snapshot", key, "err", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		r.logger.Warn("parse snapshot", "snapshot", key, "err", err)
		return false
	}
	return true
}

// StoreDatabase requests a debounced structural write.
func (r *Registry) StoreDatabase() {
	r.mu.Lock()
	defer r.unlock()
	r.storeDatabase()
}

// StoreProperties requests a debounced property write.
func (r *Registry) StoreProperties() {
	r.mu.Lock()
	defer r.unlock()
	r.storeProperties()
}

func (r *Registry) storeDatabase() {
	if r.closed {
		return
	}
	r.schedule(&r.database, r.cfg.DatabaseDelay, r.writeDatabase)
}

func (r *Registry) storeProperties() {
	if r.closed {
		return
	}
	r.schedule(&r.properties, r.cfg.PropertiesDelay, r.writeProperties)
}

// writeDatabase writes the structural snapshot, announces it and re-arms
// itself as the periodic heartbeat.
func (r *Registry) writeDatabase() {
	if err := r.flushDatabase(); err != nil {
		r.logger.Error("store database", "err", err)
	}
	r.schedule(&r.database, r.cfg.DatabaseInterval, r.writeDatabase)
}

func (r *Registry) flushDatabase() error {
	data, err := json.Marshal(r.serializeDatabase())
	if err != nil {
		return fmt.Errorf("encode database: %w", err)
	}
	err = r.store.Save(store.KeyDatabase, data)
	r.emit(EventStatusUpdate, json.RawMessage(data))
	return err
}

func (r *Registry) writeProperties() {
	if err := r.flushProperties(); err != nil {
		r.logger.Error("store properties", "err", err)
	}
}

// flushProperties writes the property snapshot unless it is identical to
// the last one written.
func (r *Registry) flushProperties() error {
	data, err := json.Marshal(r.serializeProperties())
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	for _, d := range r.devices {
		for _, ep := range d.Endpoints() {
			ep.Updated = false
		}
	}
	if bytes.Equal(data, r.lastProperties) {
		return nil
	}
	if err := r.store.Save(store.KeyProperties, data); err != nil {
		return err
	}
	r.lastProperties = data
	return nil
}

// DatabaseSnapshot returns the current structural snapshot.
func (r *Registry) DatabaseSnapshot() DatabaseSnapshot {
	r.mu.Lock()
	defer r.unlock()
	return r.serializeDatabase()
}

// PropertySnapshot returns the current property values.
func (r *Registry) PropertySnapshot() PropertySnapshot {
	r.mu.Lock()
	defer r.unlock()
	return r.serializeProperties()
}

// Close stops all timers and writes both snapshots one last time.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.unlock()
	if r.closed {
		return nil
	}
	r.database.stop()
	r.properties.stop()
	for ep, t := range r.polls {
		t.stop()
		delete(r.polls, ep)
	}
	err := errors.Join(r.flushDatabase(), r.flushProperties())
	r.closed = true
	return err
}
