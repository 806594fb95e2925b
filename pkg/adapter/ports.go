package adapter

import (
	"sort"

	"go.bug.st/serial/enumerator"
)

type Port struct {
	Name   string
	IsUSB  bool
	VID    string
	PID    string
	Serial string
}

// ListPorts returns the serial ports present on the host, sorted by name.
func ListPorts() ([]Port, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]Port, 0, len(ports))
	for _, p := range ports {
		out = append(out, Port{
			Name:   p.Name,
			IsUSB:  p.IsUSB,
			VID:    p.VID,
			PID:    p.PID,
			Serial: p.SerialNumber,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
