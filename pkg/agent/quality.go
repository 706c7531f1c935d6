package agent

import "fmt"

// Quality is one of the three fixed video bitrate presets (§4.10). The
// agent never attempts an in-place rate change: a CHANGE_VIDEO_QUALITY
// command always reinitialises the encoder at the new preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Bitrate returns the fixed bits/s for q, per §4.10's three presets.
func (q Quality) Bitrate() (int, error) {
	switch q {
	case QualityLow:
		return 1_000_000, nil
	case QualityMedium:
		return 2_000_000, nil
	case QualityHigh:
		return 5_000_000, nil
	default:
		return 0, fmt.Errorf("unknown quality preset %q", q)
	}
}
