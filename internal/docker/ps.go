package docker

import (
	"strconv"
	"strings"
)

// ParsePsOutput parses `docker ps --format {{.Names}}|{{.Ports}}` output.
// Lines that do not have exactly one separator are skipped.
func ParsePsOutput(out string) map[string]RunningContainer {
	containers := make(map[string]RunningContainer)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		containers[parts[0]] = RunningContainer{
			Name: parts[0],
			Port: firstPublishedPort(parts[1]),
		}
	}
	return containers
}

// firstPublishedPort returns the host side of the first published mapping in a
// ports column such as "0.0.0.0:25568->25565/tcp, :::25568->25565/tcp".
// Exposed-only ports ("25565/tcp") are ignored; ranges yield their first port.
func firstPublishedPort(ports string) *int {
	for _, entry := range strings.Split(ports, ",") {
		host, _, ok := strings.Cut(strings.TrimSpace(entry), "->")
		if !ok {
			continue
		}
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[i+1:]
		}
		host, _, _ = strings.Cut(host, "-")
		port, err := strconv.Atoi(host)
		if err != nil || port <= 0 {
			continue
		}
		return &port
	}
	return nil
}
