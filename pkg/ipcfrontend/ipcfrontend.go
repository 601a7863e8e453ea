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

// Package ipcfrontend implements the broker's D-Bus front-end (§6): the
// only interface a client ever calls directly. CreateConnection hands a
// fresh client a pair of file descriptors and a 64 bit connection id;
// Cancel and SetLocality are accepted, ownership-checked, and refused as
// not implemented, exactly as the daemon has always done.
package ipcfrontend

import (
	"os"

	"github.com/godbus/dbus"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/rancher/tabrmd/pkg/connection"
)

// ObjectPath and InterfaceName are the well-known D-Bus coordinates
// clients use to reach the broker.
const (
	ObjectPath    = "/com/intel/tss2/Tabrmd2"
	InterfaceName = "com.intel.tss2.Tabrmd2"
)

// errNotImplemented and errNotPermitted name the D-Bus error conditions
// defined for this interface.
const (
	errNotImplemented = InterfaceName + ".Error.NotImplemented"
	errNotPermitted   = InterfaceName + ".Error.NotPermitted"
	errInternal       = InterfaceName + ".Error.Internal"
)

// Frontend exports the broker's D-Bus methods and owns the id generator
// new connections draw from.
type Frontend struct {
	conn          *dbus.Conn
	table         *connection.Table
	maxTransients int
	nextID        atomic.Uint64
	log           logrus.FieldLogger
}

// New exports a Frontend at ObjectPath/InterfaceName on the already
// connected bus conn and requests name on it, failing unless it becomes
// the primary owner. table is the process-wide connection
// table new clients are inserted into; maxTransients bounds each new
// Connection's TransientHandleMap (§6's max_transients_per_conn).
func New(conn *dbus.Conn, name string, table *connection.Table, maxTransients int, log logrus.FieldLogger) (*Frontend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &Frontend{conn: conn, table: table, maxTransients: maxTransients, log: log}

	if err := conn.Export(f, ObjectPath, InterfaceName); err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, &dbus.Error{Name: errInternal, Body: []interface{}{"bus name already owned"}}
	}
	return f, nil
}

// CreateConnection is the sole way a client joins the broker. It opens
// two pipes — one feeding the client's commands to the broker, one
// carrying the broker's responses back — inserts a new Connection into
// the table, and hands the client its two file descriptors plus the
// connection id recognised = id ^ pid identifies it by (§6).
func (f *Frontend) CreateConnection(sender dbus.Sender) (dbus.UnixFD, dbus.UnixFD, uint64, *dbus.Error) {
	pid, err := f.callerPID(sender)
	if err != nil {
		return 0, 0, 0, &dbus.Error{Name: errInternal, Body: []interface{}{err.Error()}}
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return 0, 0, 0, &dbus.Error{Name: errInternal, Body: []interface{}{err.Error()}}
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		_ = cmdR.Close()
		_ = cmdW.Close()
		return 0, 0, 0, &dbus.Error{Name: errInternal, Body: []interface{}{err.Error()}}
	}

	id := f.nextID.Inc()
	stream := &pipeStream{r: cmdR, w: respW}
	conn := connection.New(id, pid, stream, f.maxTransients)

	if insertErr := f.table.Insert(conn); insertErr != nil {
		_ = cmdR.Close()
		_ = cmdW.Close()
		_ = respR.Close()
		_ = respW.Close()
		return 0, 0, 0, &dbus.Error{Name: errInternal, Body: []interface{}{insertErr.Error()}}
	}

	f.log.WithFields(logrus.Fields{
		"connection": id,
		"pid":        pid,
		"request_id": uuid.New().String(),
	}).Info("ipcfrontend: accepted new connection")
	return dbus.UnixFD(respR.Fd()), dbus.UnixFD(cmdW.Fd()), conn.Recognised(), nil
}

// Cancel validates that the calling process owns the named connection,
// then reports not implemented: the upstream daemon has never supported
// cancelling an in-flight command (§6).
func (f *Frontend) Cancel(sender dbus.Sender, id uint64) *dbus.Error {
	if err := f.checkOwnership(sender, id); err != nil {
		return err
	}
	return &dbus.Error{Name: errNotImplemented, Body: []interface{}{"Cancel is not implemented"}}
}

// SetLocality validates ownership and reports not implemented, for the
// same reason as Cancel.
func (f *Frontend) SetLocality(sender dbus.Sender, id uint64, locality byte) *dbus.Error {
	if err := f.checkOwnership(sender, id); err != nil {
		return err
	}
	return &dbus.Error{Name: errNotImplemented, Body: []interface{}{"SetLocality is not implemented"}}
}

// checkOwnership confirms the calling process's pid, XORed with id,
// reproduces the recognised value handed out at CreateConnection time —
// i.e. that the caller actually owns this connection and isn't guessing
// another client's id.
func (f *Frontend) checkOwnership(sender dbus.Sender, id uint64) *dbus.Error {
	pid, err := f.callerPID(sender)
	if err != nil {
		return &dbus.Error{Name: errInternal, Body: []interface{}{err.Error()}}
	}
	conn, ok := f.table.ByID(id ^ uint64(uint32(pid)))
	if !ok {
		return &dbus.Error{Name: errNotPermitted, Body: []interface{}{"no such connection"}}
	}
	if !ownerMatches(conn.PID(), pid) {
		return &dbus.Error{Name: errNotPermitted, Body: []interface{}{"caller does not own this connection"}}
	}
	return nil
}

// ownerMatches reports whether the process that created a connection is
// the same one now asking to operate on it.
func ownerMatches(connPID, callerPID int) bool {
	return connPID == callerPID
}

// callerPID asks the bus daemon for the Unix process id behind sender.
func (f *Frontend) callerPID(sender dbus.Sender) (int, error) {
	var pid uint32
	err := f.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).Store(&pid)
	if err != nil {
		return 0, err
	}
	return int(pid), nil
}
