package audio

import (
	"fmt"
	"os/exec"
	"strings"
)

// Port is one PipeWire port as listed by pw-link.
type Port struct {
	Name      string `json:"name" yaml:"name"`
	Direction string `json:"direction" yaml:"direction"` // "output", "input"
	Monitor   bool   `json:"monitor,omitempty" yaml:"monitor,omitempty"`
}

// PipeWire lists and checks PipeWire ports through pw-link
type PipeWire struct {
	run func(args ...string) ([]byte, error)
}

func NewPipeWire() *PipeWire {
	return &PipeWire{run: pwLink}
}

func pwLink(args ...string) ([]byte, error) {
	return exec.Command("pw-link", args...).Output()
}

// ListPorts returns all output ports followed by all input ports.
func (pw *PipeWire) ListPorts() ([]Port, error) {
	var ports []Port
	for _, dir := range []struct {
		flag, name string
	}{
		{"-o", "output"},
		{"-i", "input"},
	} {
		output, err := pw.run(dir.flag)
		if err != nil {
			return nil, fmt.Errorf("failed to list PipeWire %s ports: %w", dir.name, err)
		}
		for _, name := range parsePortList(output) {
			ports = append(ports, Port{
				Name:      name,
				Direction: dir.name,
				Monitor:   dir.name == "output" && isMonitorPort(name),
			})
		}
	}
	return ports, nil
}

// MonitorPorts returns only the sink monitor ports, i.e. what system audio
// capture records.
func (pw *PipeWire) MonitorPorts() ([]Port, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}

	var monitors []Port
	for _, p := range ports {
		if p.Monitor {
			monitors = append(monitors, p)
		}
	}
	return monitors, nil
}

// ValidatePort checks if a specific port exists and has no duplicates
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" {
		return nil
	}

	output, err := pw.run("-io")
	if err != nil {
		return fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	allPorts := parsePortList(output)

	duplicates := findPortDuplicatesInList(portName, allPorts)
	if len(duplicates) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}
	return nil
}

func parsePortList(output []byte) []string {
	var ports []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

func isMonitorPort(name string) bool {
	i := strings.LastIndex(name, ":")
	return i >= 0 && strings.HasPrefix(name[i+1:], "monitor_")
}
