package volume

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// C4Amp controls a Control4 multi-zone amplifier over its UDP protocol
// on port 8750. Each datagram is a line of the form
//
//	0s2a{seq} c4.amp.chvol {zone} {level} \r\n
//
// where seq cycles through 10..99. The amp never answers, so volume
// reads return the last written value and power state is cache-only.
type C4Amp struct {
	addr string
	zone int
	max  float64
	deb  *debouncer

	mu   sync.Mutex
	seq  int
	last float64

	power *powerCache
}

func NewC4Amp(host string, zone, max int) *C4Amp {
	c := &C4Amp{
		addr:  net.JoinHostPort(host, "8750"),
		zone:  zone,
		max:   float64(max),
		seq:   10,
		power: newPowerCache(30 * time.Second),
	}
	c.deb = newDebouncer(100*time.Millisecond, c.flush)
	return c
}

func (c *C4Amp) SetVolume(_ context.Context, pct float64) {
	capped := clampToMax(pct, c.max)
	c.mu.Lock()
	c.last = capped
	c.mu.Unlock()
	c.deb.set(capped)
}

func (c *C4Amp) flush(v float64) {
	if err := c.send("c4.amp.chvol", fmt.Sprintf("%02d %d", c.zone, int(v))); err != nil {
		slog.Warn("c4 amp send failed", "err", err)
		return
	}
	slog.Info("c4 amp volume set", "zone", c.zone, "volume", int(v))
}

func (c *C4Amp) GetVolume(context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

func (c *C4Amp) PowerOn(ctx context.Context) {
	// Selecting an input powers the zone output on.
	if err := c.send("c4.amp.out", fmt.Sprintf("%02d %02d", c.zone, c.zone)); err != nil {
		slog.Warn("c4 amp power on failed", "err", err)
		return
	}
	c.power.set(true)
	c.mu.Lock()
	remembered := c.last
	c.mu.Unlock()
	safe := remembered
	if safe > PowerOnCap {
		safe = PowerOnCap
	}
	if safe > 0 {
		c.SetVolume(ctx, safe)
	}
}

func (c *C4Amp) PowerOff(context.Context) {
	if err := c.send("c4.amp.out", fmt.Sprintf("%02d 00", c.zone)); err != nil {
		slog.Warn("c4 amp power off failed", "err", err)
		return
	}
	c.power.set(false)
}

func (c *C4Amp) IsOnCached() (on, known bool) { return c.power.cached() }

func (c *C4Amp) IsOn(context.Context) bool {
	on, _ := c.power.cached()
	return on
}

func (c *C4Amp) send(cmd, args string) error {
	c.mu.Lock()
	seq := c.seq
	c.seq++
	if c.seq > 99 {
		c.seq = 10
	}
	c.mu.Unlock()

	conn, err := net.Dial("udp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "0s2a%d %s %s \r\n", seq, cmd, args)
	return err
}
