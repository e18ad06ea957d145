package main

import (
	"encoding/hex"
	"io"

	"github.com/fatih/color"
	"github.com/srg/blecentral/pkg/device"
)

// palette colors output fields. Colors are only used on a terminal.
type palette struct {
	name    func(a ...interface{}) string
	address func(a ...interface{}) string
	uuid    func(a ...interface{}) string
	value   func(a ...interface{}) string
	ok      func(a ...interface{}) string
	pending func(a ...interface{}) string
	failed  func(a ...interface{}) string
}

func newPalette(w io.Writer) *palette {
	enabled := isTerminal(w)
	sprint := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &palette{
		name:    sprint(color.Bold),
		address: sprint(color.FgCyan),
		uuid:    sprint(color.FgBlue),
		value:   sprint(color.FgWhite, color.Bold),
		ok:      sprint(color.FgGreen),
		pending: sprint(color.FgYellow),
		failed:  sprint(color.FgRed),
	}
}

// state renders a connection state in its color.
func (p *palette) state(s device.ConnectionState) string {
	switch s {
	case device.Connected:
		return p.ok(s.String())
	case device.Scanning, device.Connecting:
		return p.pending(s.String())
	case device.DisconnectedWithError:
		return p.failed(s.String())
	default:
		return s.String()
	}
}

// writeValue prints data as hex or as raw bytes.
func writeValue(w io.Writer, data []byte, asHex bool) error {
	if asHex {
		_, err := io.WriteString(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}
