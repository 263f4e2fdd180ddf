package console

import (
	"fmt"
	"time"

	"github.com/ericogr/accurrent-to-mqtt/pkg/meter"
	"github.com/ericogr/accurrent-to-mqtt/pkg/output"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(readings []meter.Reading) error {
	for _, r := range readings {
		fmt.Printf("%s channel=%d name=%s pin=%d rms_ma=%d\n", r.Timestamp.Format(time.RFC3339), r.Channel, r.Name, r.Pin, r.RMSCurrent)
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
