// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package quarantine

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Janitor represents a concurrent helper object that periodically expires
// quarantine records older than the store's retention period.
type Janitor struct {
	StopperChan      chan bool
	IsRunning        bool
	FinishNotifyChan chan bool
	StartStopLock    sync.Mutex
	CheckTick        time.Duration

	store *Store
}

// MakeJanitor creates a new Janitor for the given store and emits a value
// on the given channel when it has been stopped.
func MakeJanitor(store *Store, finishNotify chan bool) *Janitor {
	return &Janitor{
		IsRunning:        false,
		FinishNotifyChan: finishNotify,
		CheckTick:        60 * time.Second,
		store:            store,
	}
}

// Run starts the Janitor. With retention disabled it refuses to start.
func (j *Janitor) Run() error {
	if j.store.cfg.RetentionDays <= 0 {
		return fmt.Errorf("quarantine retention is disabled")
	}
	if j.IsRunning {
		return fmt.Errorf("janitor already running")
	}

	j.StartStopLock.Lock()
	j.StopperChan = make(chan bool)
	j.IsRunning = true

	retention := time.Duration(j.store.cfg.RetentionDays) * 24 * time.Hour
	go func() {
		for {
			select {
			case <-time.After(j.CheckTick):
				if n := j.store.expire(retention); n > 0 {
					log.Infof("Expired %d quarantine records past retention", n)
				}
			case <-j.StopperChan:
				close(j.FinishNotifyChan)
				return
			}
		}
	}()
	j.StartStopLock.Unlock()

	return nil
}

// Stop causes the janitor to stop expiring quarantine records.
func (j *Janitor) Stop() {
	j.StartStopLock.Lock()
	j.IsRunning = false
	close(j.StopperChan)
	j.StartStopLock.Unlock()
}
