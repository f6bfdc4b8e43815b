package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceUnavailable is returned by [Source.Start] (wrapped) when the
// underlying device or file cannot be opened. It is fatal to the session.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Source produces a sequence of [Chunk] values from a capture device or file.
//
// After Start, the source delivers exactly one value on Chunks per produced
// chunk, in monotonic order. File sources emit a final (possibly short) chunk
// and then close the channel and become inactive; live sources become inactive
// only on Stop or fatal device error. The Errs channel carries transient and
// fatal capture errors; it is closed together with Chunks.
//
// Implementations must be safe for concurrent use of Stop and Active against
// the producing goroutine.
type Source interface {
	// Start begins producing chunks. Device-open failures are reported
	// synchronously, wrapping [ErrDeviceUnavailable]. The supplied ctx bounds
	// the production goroutine; cancelling it is equivalent to Stop.
	Start(ctx context.Context) error

	// Stop halts production. Any partially filled chunk may be discarded.
	// Stop is idempotent.
	Stop() error

	// Active reports whether the source is currently producing.
	Active() bool

	// Chunks returns the channel on which produced chunks are delivered.
	// The channel is closed when the source ends.
	Chunks() <-chan Chunk

	// Errs returns the channel on which capture errors are delivered.
	Errs() <-chan SourceError
}

// OpenConfig carries the options recognised when opening a source.
// Unused fields are ignored by sources that do not apply them.
type OpenConfig struct {
	// DeviceID selects a device within the driver; "" means the default.
	DeviceID string

	// PreferredRate is the requested sample rate in Hz. The actual rate may
	// differ and is reported on each chunk.
	PreferredRate int

	// Channels is the requested channel count (1 or 2). The pipeline consumes
	// mono; sources downmix when the device produces more channels.
	Channels int

	// BufferHintMs is the desired chunk duration in milliseconds. Sources may
	// round to a driver-friendly value. 0 means the source default (20 ms).
	BufferHintMs int

	// FilePath selects the input file for the file source.
	FilePath string

	// Loop restarts the file source from the beginning at end-of-file.
	Loop bool

	// PlaybackPacing makes the file source deliver audio at real-time rate
	// (one second of audio per second of wall time). When false, pacing is
	// still applied so the source never runs ahead of real time.
	PlaybackPacing bool
}

// Enumerate lists the devices known to the built-in drivers. It always
// includes the synthetic and file descriptors; platform adapter packages
// contribute their own enumeration separately.
func Enumerate() []Device {
	return []Device{
		{
			ID:          "file",
			Name:        "WAV file",
			Driver:      "file",
			NativeRate:  SampleRate16k,
			MaxChannels: 2,
		},
		{
			ID:          "synthetic",
			Name:        "Synthetic tone generator",
			Driver:      "synthetic",
			NativeRate:  SampleRate16k,
			MaxChannels: 1,
			Default:     true,
		},
	}
}

// Open constructs a [Source] for the given device descriptor. Only the
// built-in drivers are resolved here; platform adapters construct their
// sources directly.
func Open(dev Device, cfg OpenConfig) (Source, error) {
	switch dev.Driver {
	case "file":
		if cfg.FilePath == "" {
			return nil, errors.New("audio: file source requires FilePath")
		}
		return NewFileSource(cfg), nil
	case "synthetic":
		return NewSyntheticSource(SyntheticConfig{
			SampleRate: cfg.PreferredRate,
			ChunkMs:    cfg.BufferHintMs,
		}), nil
	default:
		return nil, fmt.Errorf("audio: unknown driver %q", dev.Driver)
	}
}
