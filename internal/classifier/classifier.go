package classifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/pkg/types"
)

// EnvelopePattern matches a hostapd syslog line, e.g.
//
//	Nov 12 15:32:10 ap1 hostapd: wlan0: STA aa:bb:cc:dd:ee:ff WPA: 4-Way Handshake failed
const EnvelopePattern = `(?i)(?P<ts>\w+\s+\d+\s+\d+:\d+:\d+)\s+\S+\s+hostapd:\s+(?P<intf>\S+):\s+STA\s+(?P<mac>(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2})\s+(?P<msg>.+)`

// envelope timestamps carry no year; one is appended before parsing
const timestampLayout = "Jan _2 15:04:05 2006"

// Clock abstracts time retrieval so year inference is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Rule maps a message pattern onto a reason code
type Rule struct {
	Pattern *regexp.Regexp
	Code    types.ReasonCode
}

// DefaultRules returns the hostapd failure rules in evaluation order
func DefaultRules() []Rule {
	return []Rule{
		{regexp.MustCompile(`(?i)WPA: 4-?Way Handshake failed`), types.ReasonFourWayHandshakeFailed},
		{regexp.MustCompile(`(?i)EAPOL pairwise key handshake failed`), types.ReasonEAPOLHandshakeFailed},
		{regexp.MustCompile(`(?i)authentication failed`), types.ReasonAuthenticationFailed},
		{regexp.MustCompile(`(?i)association denied`), types.ReasonAssociationDenied},
	}
}

// Classifier turns raw hostapd log lines into events.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	envelope *regexp.Regexp
	rules    []Rule
	clock    Clock

	tsIdx, intfIdx, macIdx, msgIdx int
}

// Option configures a Classifier
type Option func(*Classifier)

// WithClock overrides the clock used for year inference
func WithClock(clock Clock) Option {
	return func(c *Classifier) {
		c.clock = clock
	}
}

// WithRules replaces the reason rules. Order defines precedence.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// New creates a classifier with the hostapd envelope and default rules
func New(opts ...Option) *Classifier {
	envelope := regexp.MustCompile(EnvelopePattern)

	c := &Classifier{
		envelope: envelope,
		rules:    DefaultRules(),
		clock:    RealClock{},
		tsIdx:    envelope.SubexpIndex("ts"),
		intfIdx:  envelope.SubexpIndex("intf"),
		macIdx:   envelope.SubexpIndex("mac"),
		msgIdx:   envelope.SubexpIndex("msg"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Classify returns the event described by line, or false when the line is
// not a hostapd station message or describes no recognized failure.
func (c *Classifier) Classify(line string) (*types.Event, bool) {
	line = strings.ToValidUTF8(line, "\uFFFD")

	match := c.envelope.FindStringSubmatch(line)
	if match == nil {
		return nil, false
	}

	raw := strings.TrimSpace(match[c.msgIdx])
	if raw == "" {
		return nil, false
	}

	var reason types.ReasonCode
	for _, rule := range c.rules {
		if rule.Pattern.MatchString(raw) {
			reason = rule.Code
			break
		}
	}
	if reason == "" {
		return nil, false
	}

	return &types.Event{
		Timestamp: c.resolveTimestamp(match[c.tsIdx]),
		DeviceMAC: NormalizeMAC(match[c.macIdx]),
		Reason:    reason,
		Raw:       raw,
		Interface: match[c.intfIdx],
	}, true
}

// resolveTimestamp attaches the current processing year. Lines written near
// a year boundary and processed after it get the wrong year; this is accepted.
func (c *Classifier) resolveTimestamp(text string) time.Time {
	now := c.clock.Now()
	fields := strings.Fields(text)
	ts, err := time.ParseInLocation(timestampLayout,
		strings.Join(fields, " ")+" "+strconv.Itoa(now.Year()), time.Local)
	if err != nil {
		return now.Truncate(time.Second)
	}
	return ts
}

// NormalizeMAC lowercases a hardware address and uses ':' separators
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), "-", ":")
}
