package collector

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
	"github.com/peepsnet/peepsd/internal/wire"
)

// conn is one accepted TCP connection from an instrumented process.
type conn struct {
	id   string
	net  net.Conn
	gate wire.Gate

	writeMu sync.Mutex

	// populated once Handshake is received
	processName string
	pid         uint32
	manifest    map[ids.ID]modmanifest.Entry
}

func (c *conn) send(env wire.ServerEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.net, payload)
}

func (c *conn) manifestEntryFor(moduleID ids.ID) (modmanifest.Entry, bool) {
	e, ok := c.manifest[moduleID]
	return e, ok
}
