package modem

import (
	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

// PowerControl toggles the module power line.
type PowerControl interface {
	On() error
	Off() error
	Close() error
}

// GpioPower drives the power key through a character-device GPIO line.
type GpioPower struct {
	chip gpio.Chiper
	line gpio.Lineser
	set  gpio.LineSetFunc
}

func NewGpioPower(chipPath string, line uint32, consumer string) (*GpioPower, error) {
	chip, err := gpio.Open(chipPath, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "power gpio open chip=%s", chipPath)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, line)
	if err != nil {
		chip.Close()
		return nil, errors.Annotatef(err, "power gpio line=%d", line)
	}
	return &GpioPower{chip: chip, line: lines, set: lines.SetFunc(line)}, nil
}

func (gp *GpioPower) On() error {
	gp.set(1)
	return errors.Annotate(gp.line.Flush(), "power gpio on")
}

func (gp *GpioPower) Off() error {
	gp.set(0)
	return errors.Annotate(gp.line.Flush(), "power gpio off")
}

func (gp *GpioPower) Close() error {
	gp.line.Close()
	return gp.chip.Close()
}

// NullPower is for bench setups where the module is externally powered.
type NullPower struct{}

func (NullPower) On() error    { return nil }
func (NullPower) Off() error   { return nil }
func (NullPower) Close() error { return nil }
