// Package zeroconf advertises the UI bridge as an mDNS/DNS-SD service
// so wall panels and the mobile app find the appliance without
// configuration.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD type UI clients browse for.
const ServiceType = "_beocontrol._tcp"

// Advertiser manages the mDNS registration.
type Advertiser struct {
	name string // instance name, usually the configured device name
	port int
	txt  []string
}

// New creates an advertiser for the bridge endpoint on the given port.
func New(name string, port int) *Advertiser {
	return &Advertiser{
		name: name,
		port: port,
		txt:  []string{"path=/ws", "webhook=/webhook"},
	}
}

// Start registers the service and blocks until ctx is cancelled, then
// unregisters.
func (a *Advertiser) Start(ctx context.Context) error {
	server, err := zeroconf.Register(a.name, ServiceType, "local.", a.port, a.txt, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("mDNS service registered", "name", a.name, "type", ServiceType, "port", a.port)

	<-ctx.Done()
	server.Shutdown()
	slog.Info("mDNS service unregistered")
	return nil
}
