package jobspec

import (
	"time"

	"github.com/3leaps/opswatch/pkg/quiethours"
)

// Policy holds per-job overrides. A nil field falls back to Defaults.
type Policy struct {
	ReportEverySeconds       *int64      `json:"reportEverySeconds,omitempty"`
	StallSeconds             *int64      `json:"stallSeconds,omitempty"`
	AutoResume               *bool       `json:"autoResume,omitempty"`
	AutoResumeBackoffSeconds *int64      `json:"autoResumeBackoffSeconds,omitempty"`
	OnlyOnChange             *bool       `json:"onlyOnChange,omitempty"`
	ReportWhileRunning       *bool       `json:"reportWhileRunning,omitempty"`
	QuietHours               *QuietHours `json:"quietHours,omitempty"`
}

// Effective is a policy with every field resolved.
type Effective struct {
	QuietHours         quiethours.Window
	ReportEvery        time.Duration
	Stall              time.Duration
	AutoResume         bool
	AutoResumeBackoff  time.Duration
	OnlyOnChange       bool
	ReportWhileRunning bool
}

// Resolve merges the overrides over d. It is the only place policy
// fallbacks are decided.
func (p Policy) Resolve(d Defaults) Effective {
	eff := Effective{
		QuietHours:         d.QuietHours,
		ReportEvery:        d.ReportEvery,
		Stall:              d.Stall,
		AutoResume:         d.AutoResume,
		AutoResumeBackoff:  d.AutoResumeBackoff,
		OnlyOnChange:       true,
		ReportWhileRunning: true,
	}
	if p.ReportEverySeconds != nil && *p.ReportEverySeconds >= 0 {
		eff.ReportEvery = seconds(*p.ReportEverySeconds)
	}
	if p.StallSeconds != nil && *p.StallSeconds >= 0 {
		eff.Stall = seconds(*p.StallSeconds)
	}
	if p.AutoResume != nil {
		eff.AutoResume = *p.AutoResume
	}
	if p.AutoResumeBackoffSeconds != nil && *p.AutoResumeBackoffSeconds >= 0 {
		eff.AutoResumeBackoff = seconds(*p.AutoResumeBackoffSeconds)
	}
	if p.OnlyOnChange != nil {
		eff.OnlyOnChange = *p.OnlyOnChange
	}
	if p.ReportWhileRunning != nil {
		eff.ReportWhileRunning = *p.ReportWhileRunning
	}
	if p.QuietHours != nil {
		start, end := p.QuietHours.Start, p.QuietHours.End
		if start == "" {
			start = DefaultQuietStart
		}
		if end == "" {
			end = DefaultQuietEnd
		}
		// Malformed windows are rejected at load time.
		if w, err := quiethours.Parse(start, end); err == nil {
			eff.QuietHours = w
		}
	}
	return eff
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
