/*
Copyright 2024 CardLink Authors

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

// Package modem implements the AT command transport: serialized command
// send/wait cycles over a serial port, response framing, and concurrent
// unsolicited result code capture and dispatch.
package modem

import (
	"io"
	"net"
	"time"
)

// PortInfo describes a discovered serial port.
type PortInfo struct {
	// Path is the OS device node.
	Path string
	// Description is the human readable port description.
	Description string
	// VID is the USB vendor id, if any.
	VID string
	// PID is the USB product id, if any.
	PID string
	// Manufacturer is the USB manufacturer string, if any.
	Manufacturer string
}

// Port is the serial port contract. Hardware discovery and the
// concrete implementation are delegated to the embedding application;
// the AT interface only needs a byte stream.
type Port interface {
	io.ReadWriteCloser
}

// ListPortsFunc enumerates candidate serial ports.
type ListPortsFunc func() ([]PortInfo, error)

// OpenPortFunc opens a serial port at the given baud rate.
type OpenPortFunc func(path string, baud int, timeout time.Duration) (Port, error)

// pipePort adapts an in-memory duplex connection to a Port; tests and
// simulators inject modem behavior through it.
type pipePort struct {
	net.Conn
}

// NewPipePort returns a connected pair of in-memory ports. Writes to
// one side are reads on the other.
func NewPipePort() (Port, Port) {
	a, b := net.Pipe()
	return &pipePort{a}, &pipePort{b}
}
