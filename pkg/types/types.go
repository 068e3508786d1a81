package types

import (
	"fmt"
	"regexp"
	"time"
)

// TimestampLayout is the textual form of Event.Timestamp in both sinks
const TimestampLayout = "2006-01-02 15:04:05"

// ReasonCode identifies the category of an authentication failure
type ReasonCode string

const (
	ReasonFourWayHandshakeFailed ReasonCode = "4way-handshake-failed"
	ReasonEAPOLHandshakeFailed   ReasonCode = "eapol-handshake-failed"
	ReasonAuthenticationFailed   ReasonCode = "authentication-failed"
	ReasonAssociationDenied      ReasonCode = "association-denied"
)

// AllReasonCodes returns every reason code in declaration order
func AllReasonCodes() []ReasonCode {
	return []ReasonCode{
		ReasonFourWayHandshakeFailed,
		ReasonEAPOLHandshakeFailed,
		ReasonAuthenticationFailed,
		ReasonAssociationDenied,
	}
}

// Valid reports whether r belongs to the closed set of reason codes
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonFourWayHandshakeFailed, ReasonEAPOLHandshakeFailed,
		ReasonAuthenticationFailed, ReasonAssociationDenied:
		return true
	}
	return false
}

func (r ReasonCode) String() string {
	return string(r)
}

// ParseReasonCode converts stored text back into a ReasonCode
func ParseReasonCode(s string) (ReasonCode, error) {
	r := ReasonCode(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown reason code: %q", s)
	}
	return r, nil
}

// Event is one classified authentication failure
type Event struct {
	Sequence  int64      `json:"sequence"` // Assigned by the store on persist
	Timestamp time.Time  `json:"timestamp"`
	DeviceMAC string     `json:"device_mac"`
	Reason    ReasonCode `json:"reason"`
	Raw       string     `json:"raw"`
	Interface string     `json:"interface,omitempty"`
}

// TimestampText renders the event timestamp the way it is stored
func (e *Event) TimestampText() string {
	return e.Timestamp.Format(TimestampLayout)
}

// Line is a single complete line read from a tailed file
type Line struct {
	Text   string `json:"text"`
	Offset int64  `json:"offset"` // Byte offset of the line start
	Source string `json:"source"`
}

var macPattern = regexp.MustCompile(`^(?:[0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// ValidMAC reports whether mac is a canonical lowercase colon-separated
// six-octet address
func ValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// Validate checks that an event satisfies the invariants required for
// persistence
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("nil event")
	case e.Timestamp.IsZero():
		return fmt.Errorf("missing timestamp")
	case !ValidMAC(e.DeviceMAC):
		return fmt.Errorf("invalid device MAC: %q", e.DeviceMAC)
	case !e.Reason.Valid():
		return fmt.Errorf("invalid reason: %q", e.Reason)
	case e.Raw == "":
		return fmt.Errorf("empty raw text")
	}
	return nil
}
