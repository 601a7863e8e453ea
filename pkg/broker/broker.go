/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package broker wires the broker's long-lived stages together: the TPM
// Access Gate, the Connection Table, the process-wide SessionList, the
// two pipeline Queues, the Resource Manager, the Command Source, the
// Response Sink and the D-Bus front-end (§2, §5). It is the one place in
// the tree that imports every other package, mirroring the way the
// original daemon's main() assembled its object graph.
package broker

import (
	"strings"

	"github.com/godbus/dbus"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-vfs"

	"github.com/rancher/tabrmd/pkg/commandsource"
	"github.com/rancher/tabrmd/pkg/config"
	"github.com/rancher/tabrmd/pkg/connection"
	"github.com/rancher/tabrmd/pkg/ipcfrontend"
	"github.com/rancher/tabrmd/pkg/pipeline"
	"github.com/rancher/tabrmd/pkg/resourcemgr"
	"github.com/rancher/tabrmd/pkg/responsesink"
	"github.com/rancher/tabrmd/pkg/session"
	"github.com/rancher/tabrmd/pkg/shutdown"
	"github.com/rancher/tabrmd/pkg/tcti"
)

// queueCapacity bounds each pipeline Queue, per §5's "capacity is chosen
// to cover worst-case transient usage": one command or response in
// flight per connection the table can hold, doubled for headroom.
func queueCapacity(cfg *config.Config) int {
	return cfg.MaxConnections * 2
}

// Broker owns every long-lived goroutine and resource the daemon starts.
// Run starts it and returns once the front-end is live;
// Shutdown tears every stage down in reverse acquisition order via its
// internal cleanup Stack.
type Broker struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	cleanup *shutdown.Stack

	gate     *tcti.Gate
	table    *connection.Table
	sessions *session.List
	toRM     *pipeline.Queue
	toSink   *pipeline.Queue
	manager  *resourcemgr.Manager
	source   *commandsource.Source
	sink     *responsesink.Sink
	frontend *ipcfrontend.Frontend
}

// parseTCTIConf splits a "device:/path/to/dev" style conf string into its
// path component. An empty or unrecognised conf falls back to the
// default resource-manager character device.
func parseTCTIConf(conf string) string {
	const devicePrefix = "device:"
	if strings.HasPrefix(conf, devicePrefix) {
		return strings.TrimPrefix(conf, devicePrefix)
	}
	return tcti.DefaultDevicePath
}

// New assembles every stage but does not yet start any goroutine or
// claim the D-Bus name; call Run for that. On error it rolls back
// whatever it had already built, via the same cleanup Stack Shutdown
// uses on the happy path.
func New(cfg *config.Config, log logrus.FieldLogger) (b *Broker, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b = &Broker{cfg: cfg, log: log, cleanup: shutdown.NewStack()}
	defer func() {
		if err != nil {
			if cerr := b.cleanup.Cleanup(err); cerr != nil {
				log.WithError(cerr).Error("broker: rollback after a failed startup reported errors")
			}
		}
	}()

	dev, err := tcti.OpenCharDevice(vfs.OSFS, parseTCTIConf(cfg.TCTIConf))
	if err != nil {
		return b, err
	}

	gate, err := tcti.Open(dev, log.WithField("component", "tcti"))
	if err != nil {
		_ = dev.Close()
		return b, err
	}
	b.gate = gate
	b.cleanup.Push(gate.Close)

	if cfg.FlushAllOnStart {
		if ferr := gate.FlushAll(); ferr != nil {
			log.WithError(ferr).Warn("broker: flush_all_on_start did not complete cleanly")
		}
	}

	attrs, err := gate.QueryCommandAttributes()
	if err != nil {
		return b, err
	}

	b.table = connection.NewTable(cfg.MaxConnections)
	b.sessions = session.New(cfg.MaxSessionsPerConn, session.DefaultAbandoned)
	b.toRM = pipeline.NewQueue(queueCapacity(cfg))
	b.toSink = pipeline.NewQueue(queueCapacity(cfg))

	rmCfg := resourcemgr.Config{
		MaxTransientsPerConn: cfg.MaxTransientsPerConn,
		MaxSessionsPerConn:   cfg.MaxSessionsPerConn,
		MaxAbandonedSessions: session.DefaultAbandoned,
	}
	b.manager = resourcemgr.New(gate, attrs, b.sessions, b.toRM, b.toSink, rmCfg, log.WithField("component", "resourcemgr"))
	b.sink = responsesink.New(b.toSink, log.WithField("component", "responsesink"))
	b.source = commandsource.New(b.table, attrs, b.toRM, log.WithField("component", "commandsource"))

	return b, nil
}

// Run starts the Resource Manager and Response Sink goroutines, connects
// to the configured D-Bus bus, and exports the front-end so clients can
// start calling CreateConnection. It returns once the front-end is live;
// the broker keeps running in the background until Shutdown is called.
// On error it rolls back everything pushed onto the cleanup Stack so
// far, including whatever New already built, since a failed Run leaves
// the Broker unusable and the caller discards it rather than calling
// Shutdown.
func (b *Broker) Run() (err error) {
	defer func() {
		if err != nil {
			if cerr := b.cleanup.Cleanup(err); cerr != nil {
				b.log.WithError(cerr).Error("broker: rollback after a failed startup reported errors")
			}
		}
	}()

	go b.manager.Run()
	b.cleanup.Push(func() error {
		b.toRM.Push(pipeline.CheckCancelMessage{})
		return nil
	})

	go b.sink.Run()
	b.cleanup.Push(func() error {
		b.toSink.Push(pipeline.CheckCancelMessage{})
		return nil
	})

	conn, err := b.connectBus()
	if err != nil {
		return err
	}
	b.cleanup.Push(conn.Close)

	frontend, err := ipcfrontend.New(conn, b.cfg.DBusName, b.table, b.cfg.MaxTransientsPerConn, b.log.WithField("component", "ipcfrontend"))
	if err != nil {
		return err
	}
	b.frontend = frontend

	b.log.WithFields(logrus.Fields{"dbus_name": b.cfg.DBusName, "bus": b.cfg.Bus}).Info("broker: ready")
	return nil
}

func (b *Broker) connectBus() (*dbus.Conn, error) {
	if b.cfg.Bus == config.BusSession {
		return dbus.SessionBus()
	}
	return dbus.SystemBus()
}

// Shutdown first closes every client stream (unblocking the Command
// Source's reader goroutines), then unwinds the cleanup Stack in reverse
// acquisition order: it closes the D-Bus connection, signals the Response
// Sink and then the Resource Manager to exit, and closes the TPM device.
// It does not wait for those goroutines to return.
func (b *Broker) Shutdown() error {
	if b.source != nil {
		b.source.Shutdown()
	}
	return b.cleanup.Cleanup(nil)
}
