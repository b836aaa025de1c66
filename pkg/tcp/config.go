package tcp

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Config struct {
	TCBs            int           `envconfig:"TCBS" default:"16" validate:"min=1,max=65535"`
	Mailboxes       int           `envconfig:"MAILBOXES" default:"24" validate:"min=2"`
	CommandQueue    int           `envconfig:"COMMAND_QUEUE" default:"64" validate:"min=1"`
	Backlog         int           `envconfig:"BACKLOG" default:"8" validate:"min=1"`
	SendBuffer      int           `envconfig:"SEND_BUFFER" default:"8192" validate:"min=64"`
	RecvBuffer      int           `envconfig:"RECV_BUFFER" default:"8192" validate:"min=64,max=65535"`
	MSS             uint16        `envconfig:"MSS" default:"536" validate:"min=64"`
	EphemeralLow    uint16        `envconfig:"EPHEMERAL_LOW" default:"33000" validate:"min=1024"`
	EphemeralHigh   uint16        `envconfig:"EPHEMERAL_HIGH" default:"60999" validate:"gtfield=EphemeralLow"`
	MSL             time.Duration `envconfig:"MSL" default:"30s" validate:"gt=0"`
	FinWait2Timeout time.Duration `envconfig:"FIN_WAIT2_TIMEOUT" default:"60s" validate:"gt=0"`
	DelayedAck      time.Duration `envconfig:"DELAYED_ACK" default:"200ms" validate:"gt=0"`
	RTOInitial      time.Duration `envconfig:"RTO_INITIAL" default:"1s" validate:"gt=0"`
	RTOMin          time.Duration `envconfig:"RTO_MIN" default:"200ms" validate:"gt=0"`
	RTOMax          time.Duration `envconfig:"RTO_MAX" default:"60s" validate:"gtefield=RTOMin"`
	MaxRetransmits  uint64        `envconfig:"MAX_RETRANSMITS" default:"8" validate:"min=1"`
}

// DefaultConfig matches the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		TCBs:            16,
		Mailboxes:       24,
		CommandQueue:    64,
		Backlog:         8,
		SendBuffer:      8192,
		RecvBuffer:      8192,
		MSS:             536,
		EphemeralLow:    33000,
		EphemeralHigh:   60999,
		MSL:             30 * time.Second,
		FinWait2Timeout: 60 * time.Second,
		DelayedAck:      200 * time.Millisecond,
		RTOInitial:      time.Second,
		RTOMin:          200 * time.Millisecond,
		RTOMax:          60 * time.Second,
		MaxRetransmits:  8,
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "tcp config")
	}
	// The ephemeral scan must always find a port.
	if int(c.EphemeralHigh)-int(c.EphemeralLow)+1 <= c.TCBs {
		return errors.Errorf("tcp config: ephemeral range %d-%d smaller than table of %d", c.EphemeralLow, c.EphemeralHigh, c.TCBs)
	}
	return nil
}
