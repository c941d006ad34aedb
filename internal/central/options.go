package central

import (
	"fmt"

	"github.com/mcuadros/go-defaults"
)

const (
	minScanBuffer   = 100
	minNotifyBuffer = 100
)

// Options configures a Session. Zero fields are filled from the default tags.
type Options struct {
	// Event stream buffers. Every stream drops its oldest item when full.
	LogBuffer        int `default:"10"`
	PowerBuffer      int `default:"1"`
	ScanningBuffer   int `default:"1"`
	DisconnectBuffer int `default:"16"`
	ScanBuffer       int `default:"100"`
	NotifyBuffer     int `default:"100"`

	// QueueSize bounds the worker job queue. Producers block while it is full.
	QueueSize int `default:"256"`

	// FeedNotifyOnRead also delivers a read result to the characteristic's
	// notification stream when both are pending. By default the read wins and
	// the notification consumer does not see the value.
	FeedNotifyOnRead bool
}

// DefaultOptions returns options with every default applied
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

func (o *Options) normalize() (*Options, error) {
	out := &Options{}
	if o != nil {
		*out = *o
	}
	defaults.SetDefaults(out)

	if out.ScanBuffer < minScanBuffer {
		return nil, fmt.Errorf("scan buffer must be at least %d, got %d", minScanBuffer, out.ScanBuffer)
	}
	if out.NotifyBuffer < minNotifyBuffer {
		return nil, fmt.Errorf("notify buffer must be at least %d, got %d", minNotifyBuffer, out.NotifyBuffer)
	}
	for name, v := range map[string]int{
		"log":        out.LogBuffer,
		"power":      out.PowerBuffer,
		"scanning":   out.ScanningBuffer,
		"disconnect": out.DisconnectBuffer,
		"queue":      out.QueueSize,
	} {
		if v <= 0 {
			return nil, fmt.Errorf("%s buffer must be > 0, got %d", name, v)
		}
	}
	return out, nil
}
