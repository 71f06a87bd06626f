package broker

import (
	"context"
	"time"
)

func (c *Consumer) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	c.now = now
	c.sleep = sleep
}
