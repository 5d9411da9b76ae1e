// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package reporter delivers threat event reports to a message broker for
// central collection, with automatic reconnection.
package reporter

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NeowayLabs/wabbit"
	origamqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vigil-av/vigil/engine"
)

// HostID is a unique string identifier for the reporting host.
var HostID string

func init() {
	var err error
	HostID, err = getHostID()
	if err != nil {
		log.Fatal(err)
	}
}

func getHostID() (string, error) {
	if _, err := os.Stat("/etc/machine-id"); os.IsNotExist(err) {
		return os.Hostname()
	}
	b, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return os.Hostname()
	}
	return strings.TrimSpace(string(b)), nil
}

const amqpReconnDelay = 2 * time.Second

// Event is one threat handling report sent to the collection point.
type Event struct {
	HostID         string         `json:"host_id"`
	Time           time.Time      `json:"time"`
	Path           string         `json:"path"`
	Action         string         `json:"action"`
	Verdict        engine.Verdict `json:"verdict"`
	QuarantineID   string         `json:"quarantine_id,omitempty"`
	UploadLocation string         `json:"upload_location,omitempty"`
}

// Reporter is an interface for an entity that sends JSON reports to an
// endpoint.
type Reporter interface {
	Report(jsonData []byte) error
	Finish()
}

// ReportEvent fills in host identity and time and delivers the event via
// the given reporter.
func ReportEvent(r Reporter, ev Event) error {
	ev.HostID = HostID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.Report(msg)
}

// AMQPReporter sends threat reports to a RabbitMQ exchange.
type AMQPReporter struct {
	URL              string
	User             string
	Pass             string
	Exchange         string
	Verbose          bool
	Conn             wabbit.Conn
	Channel          wabbit.Channel
	StopReconnection chan bool
	ChanMutex        sync.Mutex
	ConnMutex        sync.Mutex
	ErrorChan        chan wabbit.Error
	Reconnector      func(string) (wabbit.Conn, string, error)
}

func reconnectOnFailure(r *AMQPReporter) {
	for {
		select {
		case <-r.StopReconnection:
			return
		case rabbitErr := <-r.ErrorChan:
			if rabbitErr != nil {
				log.Warnf("RabbitMQ connection failed: %s", rabbitErr.Reason())
				for {
					time.Sleep(amqpReconnDelay)
					connErr := r.connect()
					if connErr != nil {
						log.Warnf("RabbitMQ error: %s", connErr)
					} else {
						log.Infof("Reestablished connection to %s", r.URL)
						r.ConnMutex.Lock()
						r.Conn.NotifyClose(r.ErrorChan)
						r.ConnMutex.Unlock()
						break
					}
				}
			}
		}
	}
}

func (r *AMQPReporter) connect() error {
	var err error
	var exchangeType string

	r.ConnMutex.Lock()
	r.Conn, exchangeType, err = r.Reconnector(r.URL)
	r.ConnMutex.Unlock()
	if err != nil {
		return err
	}
	r.ChanMutex.Lock()
	r.Channel, err = r.Conn.Channel()
	r.ChanMutex.Unlock()
	if err != nil {
		r.ConnMutex.Lock()
		r.Conn.Close()
		r.ConnMutex.Unlock()
		return err
	}
	// We do not want to declare an exchange on non-default connection methods,
	// as they may not support all exchange types. For instance amqptest does
	// not support 'fanout'.
	err = r.Channel.ExchangeDeclare(
		r.Exchange,   // name
		exchangeType, // type
		wabbit.Option{
			"durable":    true,
			"autoDelete": false,
			"internal":   false,
			"noWait":     false,
		},
	)
	if err != nil {
		r.ChanMutex.Lock()
		r.Channel.Close()
		r.ChanMutex.Unlock()
		r.ConnMutex.Lock()
		r.Conn.Close()
		r.ConnMutex.Unlock()
		return err
	}
	log.Debugf("Reporter established connection to %s", r.URL)

	return nil
}

// MakeAMQPReporterWithReconnector creates a new reporter connected to a
// RabbitMQ server at the given URL, using the reconnector function as a
// means to Dial() in order to obtain a Connection object.
func MakeAMQPReporterWithReconnector(amqpURI string, amqpUser string,
	amqpPass string, amqpExch string, verbose bool,
	reconnector func(string) (wabbit.Conn, string, error)) (*AMQPReporter, error) {

	myReporter := &AMQPReporter{
		URL:              "amqp://" + amqpUser + ":" + amqpPass + "@" + amqpURI + "/",
		Verbose:          verbose,
		Reconnector:      reconnector,
		User:             amqpUser,
		Exchange:         amqpExch,
		StopReconnection: make(chan bool),
	}
	if verbose {
		log.Debugf("Initial connection to %s...", myReporter.URL)
	}

	myReporter.ErrorChan = make(chan wabbit.Error)
	err := myReporter.connect()
	if err != nil {
		return nil, err
	}
	myReporter.Conn.NotifyClose(myReporter.ErrorChan)

	go reconnectOnFailure(myReporter)

	return myReporter, nil
}

// Report sends the jsonData payload via the registered RabbitMQ connection.
func (r *AMQPReporter) Report(jsonData []byte) error {
	r.ChanMutex.Lock()
	err := r.Channel.Publish(
		r.Exchange, // exchange
		"vigil",    // routing key
		jsonData,
		wabbit.Option{
			"contentType": "application/json",
			"headers": origamqp.Table{
				"host_id": HostID,
			},
		})
	r.ChanMutex.Unlock()
	if err == nil {
		if r.Verbose {
			log.Debugf("RabbitMQ report (%s) successful", r.URL)
		}
	} else {
		log.Warnf("RabbitMQ report not successful: %s", err.Error())
	}
	return err
}

// Finish cleans up the RMQ connection.
func (r *AMQPReporter) Finish() {
	close(r.StopReconnection)
	if r.Verbose {
		log.Debugf("Reporter closing connection...")
	}
}

// DummyReporter is a Reporter that just logs data to a logger.
type DummyReporter struct {
	l *log.Entry
}

// MakeDummyReporter returns a new DummyReporter.
func MakeDummyReporter() *DummyReporter {
	dr := &DummyReporter{}
	dr.l = log.WithFields(log.Fields{
		"reporter": "dummy",
	})
	return dr
}

// Report just logs the JSON data to the given logger.
func (r *DummyReporter) Report(jsonData []byte) error {
	r.l.Info(string(jsonData[:]))
	return nil
}

// Finish is a no-op in this implementation.
func (r *DummyReporter) Finish() {}
