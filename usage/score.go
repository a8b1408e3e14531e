package usage

// ScoreInput carries exactly the fields the health-scoring function
// needs, decoupled from the state package's KeyState type to avoid an
// import cycle (healthcache and rotation both depend on usage; state
// depends on neither).
type ScoreInput struct {
	Usage      *Usage // nil means "no usage snapshot available"
	Err401     int64
	Err403     int64
	Err429     int64
	Err5xx     int64
	RequestCount int64
	Exhausted  bool
	Blocked    bool
}

// ErrorRate computes the scoring error rate:
// (err_429 + err_5xx) / max(request_count, 1).
func (in ScoreInput) ErrorRate() float64 {
	denom := in.RequestCount
	if denom < 1 {
		denom = 1
	}
	return float64(in.Err429+in.Err5xx) / float64(denom)
}

// Score classifies a key's health per an exact predicate order.
func Score(in ScoreInput) Status {
	if in.Blocked {
		return StatusBlocked
	}
	if in.Exhausted {
		return StatusExhausted
	}
	if in.Err401 > 0 {
		return StatusBlocked
	}
	if in.Usage != nil && in.Usage.RemainingPercent != nil && *in.Usage.RemainingPercent <= 0 {
		return StatusBlocked
	}
	if in.Err403 > 0 {
		return StatusWarn
	}
	if in.Usage == nil {
		return StatusWarn
	}
	if in.Usage.RemainingPercent != nil && *in.Usage.RemainingPercent < 20 {
		return StatusWarn
	}
	if in.Err429 > 0 || in.Err5xx > 0 || in.ErrorRate() >= 0.05 {
		return StatusWarn
	}
	return StatusHealthy
}

// Info is the derived, cache-stored health summary for a key.
type Info struct {
	Status           Status
	RemainingPercent *float64
	Used             *float64
	Limit            *float64
	Remaining        *float64
	ResetHint        string
	ErrorRate        float64 // operator-facing rate: (err_403+err_429+err_5xx)/max(request_count,1)
}

// BuildInfo computes the HealthInfo surfaced to operators: the
// Status from Score, plus the usage fields passed through and the
// health error rate (distinct from the scoring error rate — it also
// counts err_403).
func BuildInfo(in ScoreInput, healthErrorRate float64) Info {
	info := Info{Status: Score(in), ErrorRate: healthErrorRate}
	if in.Usage != nil {
		info.RemainingPercent = in.Usage.RemainingPercent
		info.Used = in.Usage.Used
		info.Limit = in.Usage.Limit
		info.Remaining = in.Usage.Remaining
		info.ResetHint = in.Usage.ResetHint
	}
	return info
}
