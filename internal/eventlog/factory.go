package eventlog

import (
	"fmt"

	"example.com/backstage/services/blog/config"
)

// New builds the log selected by cfg.EventLog.Driver
func New(cfg config.Config) (Log, error) {
	switch cfg.EventLog.Driver {
	case DriverServiceBus, "":
		return NewServiceBus(cfg.Azure)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", cfg.EventLog.Driver)
	}
}
