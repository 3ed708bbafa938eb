// Package discovery advertises the sync server on the local network over mDNS
// so editors on the same LAN can find it without configuration.
package discovery

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_quillsync._tcp"
	Domain  = "local."
)

// Advertise registers the server on port and returns a function that
// withdraws the registration.
func Advertise(port int, log *slog.Logger) (func(), error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("quillsync-%s", host)

	server, err := zeroconf.Register(instance, Service, Domain, port, TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mdns service: %w", err)
	}

	log.Info("mdns service registered", "instance", instance, "service", Service, "port", port)
	return server.Shutdown, nil
}

// TXT describes the websocket endpoint to browsers of the service.
func TXT() []string {
	return []string{"txtv=0", "path=/ws", "proto=quillsync"}
}
