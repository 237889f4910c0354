package detect

import "strconv"

// Result is the outcome of one detection call: Silence, Error, NonSilence
// or the 1-based global index of a triggered hotword.
type Result int

const (
	Silence    Result = -2
	Error      Result = -1
	NonSilence Result = 0
)

// Hotword returns the triggered hotword index, if any.
func (r Result) Hotword() (int, bool) {
	return int(r), r > 0
}

func (r Result) String() string {
	switch r {
	case Silence:
		return "silence"
	case Error:
		return "error"
	case NonSilence:
		return "speech"
	default:
		return "hotword " + strconv.Itoa(int(r))
	}
}

// Merge combines the results of consecutive calls into the outcome a single
// call over the same audio would report: a trigger beats speech, speech
// beats silence, silence beats error and the lowest hotword index wins.
func Merge(a, b Result) Result {
	switch {
	case a > 0 && b > 0:
		return min(a, b)
	case a == Error:
		return b
	case b == Error:
		return a
	}
	return max(a, b)
}
