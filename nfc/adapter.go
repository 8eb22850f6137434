package nfc

// ReaderFlags selects which tag families discovery polls for and how the
// platform behaves when a tag is found.
type ReaderFlags uint32

const (
	FlagReaderNfcA ReaderFlags = 1 << iota
	FlagReaderNfcB
	FlagReaderNfcF
	FlagReaderNfcV
	// FlagReaderSkipNDEFCheck stops the platform from probing NDEF content
	// before the discovery callback fires.
	FlagReaderSkipNDEFCheck
	// FlagReaderNoPlatformSounds suppresses platform feedback on discovery.
	FlagReaderNoPlatformSounds
)

// DefaultReaderFlags polls every supported family and leaves NDEF probing
// to the read loop.
const DefaultReaderFlags = FlagReaderNfcA | FlagReaderNfcB | FlagReaderNfcF | FlagReaderNfcV |
	FlagReaderSkipNDEFCheck | FlagReaderNoPlatformSounds

// ReaderCallback is invoked by an Adapter whenever a tag enters the field.
// It may be called from any goroutine and must not block.
type ReaderCallback func(tag Tag)

// Adapter is the short-range radio as seen by the read loop.
//
// Discovery ("reader mode") is the only thing an Adapter drives on its own;
// data connections are opened through the Technology handles of the Tag
// passed to the callback.
//
// Example:
//
//	adapter.EnableReaderMode(func(tag nfc.Tag) {
//	    log.Printf("tag %s", nfc.FormatUID(tag.UID()))
//	}, nfc.DefaultReaderFlags)
type Adapter interface {
	// EnableReaderMode starts discovery. Enabling while already enabled
	// replaces the callback and flags.
	EnableReaderMode(cb ReaderCallback, flags ReaderFlags) error

	// DisableReaderMode stops discovery. Disabling twice is not an error.
	DisableReaderMode() error

	// IsEnabled reports whether the radio is switched on at the platform
	// level. It says nothing about whether discovery is running.
	IsEnabled() bool
}

// PowerCycler is the optional low-level reset capability of a radio.
// A full Disable/Enable cycle is used as a stability aid on resume and is
// allowed to fail on stacks that do not expose it.
type PowerCycler interface {
	Disable() error
	Enable() error
}

// NoopPowerCycler is the default PowerCycler for radios without a reset
// capability. Both calls fail with a not-supported error.
type NoopPowerCycler struct{}

func (NoopPowerCycler) Disable() error { return NewNotSupportedError("PowerCycle.Disable") }
func (NoopPowerCycler) Enable() error  { return NewNotSupportedError("PowerCycle.Enable") }

// PowerCyclerFor returns the adapter's own PowerCycler if it implements
// one, otherwise NoopPowerCycler.
func PowerCyclerFor(a Adapter) PowerCycler {
	if pc, ok := a.(PowerCycler); ok {
		return pc
	}
	return NoopPowerCycler{}
}
