package negotiate

import "github.com/petervdpas/rtlink/internal/media"

// SlotState tells who is using the reserved screen-share line.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotSending
	SlotReceiving
)

func (s SlotState) String() string {
	switch s {
	case SlotSending:
		return "sending"
	case SlotReceiving:
		return "receiving"
	default:
		return "idle"
	}
}

// ScreenSlot is the single video transceiver reserved for screen sharing.
// It is created once per call and never removed; sharing only swaps the
// sender's track.
type ScreenSlot struct {
	tr    Transceiver
	state SlotState
	track media.Track // set while sending
}
