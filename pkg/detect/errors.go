package detect

import (
	"errors"

	"github.com/algo-boyz/snowgate/pkg/hotword"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/resource"
)

// Construction errors are fatal. ErrFormatMismatch and ErrDetectionFault
// accompany an Error result and leave the handle usable.
var (
	ErrResourceLoad       = resource.ErrLoad
	ErrModelLoad          = hotword.ErrModelLoad
	ErrFormatMismatch     = pcm.ErrFormatMismatch
	ErrPersist            = hotword.ErrPersist
	ErrSensitivityCount   = errors.New("sensitivity count mismatch")
	ErrInvalidSensitivity = errors.New("invalid sensitivity")
	ErrDetectionFault     = errors.New("detection fault")
	ErrDestroyed          = errors.New("handle destroyed")
)
