// Package settings provides the per-guild playback settings entity.
package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LoopMode represents the queue loop policy.
type LoopMode int

const (
	LoopOff    LoopMode = iota // Play the queue once
	LoopQueue                  // Requeue the pass when the queue runs dry
	LoopSingle                 // Repeat the current track
)

// String returns the string representation of the loop mode.
func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "none"
	case LoopQueue:
		return "queue"
	case LoopSingle:
		return "single"
	default:
		return "unknown"
	}
}

// ParseLoopMode parses a stored or user supplied loop mode.
func ParseLoopMode(s string) (LoopMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "":
		return LoopOff, true
	case "queue", "all":
		return LoopQueue, true
	case "single", "track", "one":
		return LoopSingle, true
	default:
		return LoopOff, false
	}
}

// ShuffleMode represents the order in which pending tracks are popped.
type ShuffleMode int

const (
	ShuffleOff   ShuffleMode = iota // FIFO
	ShuffleFull                     // Uniformly random
	ShuffleSmart                    // Random, biased away from recent repeats
)

// String returns the string representation of the shuffle mode.
func (m ShuffleMode) String() string {
	switch m {
	case ShuffleOff:
		return "none"
	case ShuffleFull:
		return "full"
	case ShuffleSmart:
		return "smart"
	default:
		return "unknown"
	}
}

// ParseShuffleMode parses a stored or user supplied shuffle mode.
func ParseShuffleMode(s string) (ShuffleMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "":
		return ShuffleOff, true
	case "full", "on", "random":
		return ShuffleFull, true
	case "smart":
		return ShuffleSmart, true
	default:
		return ShuffleOff, false
	}
}

const (
	DefaultAutoDisconnectEnabled = true
	DefaultAutoDisconnectMinutes = 60
	DefaultWarnMinutes           = 15
)

// Guild holds the persisted defaults of one guild.
type Guild struct {
	Loop                  LoopMode
	Shuffle               ShuffleMode
	Autoplay              bool
	AutoDisconnectEnabled bool
	AutoDisconnectMinutes int
	WarnMinutes           int
	UpdatedAt             time.Time
}

// Default returns the settings used for guilds without a stored entry.
func Default() Guild {
	return Guild{
		Loop:                  LoopOff,
		Shuffle:               ShuffleOff,
		Autoplay:              false,
		AutoDisconnectEnabled: DefaultAutoDisconnectEnabled,
		AutoDisconnectMinutes: DefaultAutoDisconnectMinutes,
		WarnMinutes:           DefaultWarnMinutes,
	}
}

// IdleTimeout returns the auto-disconnect timeout, or 0 when disabled.
func (g Guild) IdleTimeout() time.Duration {
	if !g.AutoDisconnectEnabled || g.AutoDisconnectMinutes <= 0 {
		return 0
	}
	return time.Duration(g.AutoDisconnectMinutes) * time.Minute
}

// WarnOffset returns how long before the timeout the warning fires.
func (g Guild) WarnOffset() time.Duration {
	if g.WarnMinutes <= 0 {
		return 0
	}
	return time.Duration(g.WarnMinutes) * time.Minute
}

// Normalize clamps out-of-range values back to defaults.
func (g Guild) Normalize() Guild {
	if g.AutoDisconnectMinutes <= 0 {
		g.AutoDisconnectMinutes = DefaultAutoDisconnectMinutes
	}
	if g.WarnMinutes < 0 || g.WarnMinutes >= g.AutoDisconnectMinutes {
		g.WarnMinutes = 0
	}
	return g
}

// ParseBool accepts the loose boolean spellings found in stored settings.
func ParseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// ParseInt parses an integer, returning def when the value is malformed.
func ParseInt(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

// Field names accepted by Apply.
const (
	FieldLoop                  = "loop"
	FieldShuffle               = "shuffle"
	FieldAutoplay              = "autoplay"
	FieldAutoDisconnect        = "auto_disconnect"
	FieldAutoDisconnectMinutes = "auto_disconnect_minutes"
	FieldWarnMinutes           = "warn_minutes"
)

// Fields lists the names accepted by Apply.
func Fields() []string {
	return []string{FieldLoop, FieldShuffle, FieldAutoplay, FieldAutoDisconnect, FieldAutoDisconnectMinutes, FieldWarnMinutes}
}

// Apply returns a copy of g with one field set from user input.
// Unlike the stored-value parsers, malformed input is an error.
func (g Guild) Apply(field, value string) (Guild, error) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case FieldLoop:
		m, ok := ParseLoopMode(value)
		if !ok {
			return g, fmt.Errorf("invalid loop mode %q", value)
		}
		g.Loop = m
	case FieldShuffle:
		m, ok := ParseShuffleMode(value)
		if !ok {
			return g, fmt.Errorf("invalid shuffle mode %q", value)
		}
		g.Shuffle = m
	case FieldAutoplay, FieldAutoDisconnect:
		v, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			switch strings.ToLower(strings.TrimSpace(value)) {
			case "on", "yes":
				v, err = true, nil
			case "off", "no":
				v, err = false, nil
			}
		}
		if err != nil {
			return g, fmt.Errorf("invalid boolean %q for %s", value, field)
		}
		if strings.EqualFold(strings.TrimSpace(field), FieldAutoplay) {
			g.Autoplay = v
		} else {
			g.AutoDisconnectEnabled = v
		}
	case FieldAutoDisconnectMinutes:
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || v <= 0 {
			return g, fmt.Errorf("invalid minutes %q", value)
		}
		g.AutoDisconnectMinutes = v
	case FieldWarnMinutes:
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || v < 0 {
			return g, fmt.Errorf("invalid minutes %q", value)
		}
		g.WarnMinutes = v
	default:
		return g, fmt.Errorf("unknown setting %q", field)
	}
	return g.Normalize(), nil
}
