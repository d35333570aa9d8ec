package monitor

import "time"

// alertLimiter keeps repeated findings from flooding reports and alerts.
type alertLimiter struct {
	cooldown  time.Duration
	maxIssues int
	maxFixes  int
	last      map[string]time.Time
}

func newAlertLimiter(cooldown time.Duration, maxIssues, maxFixes int) *alertLimiter {
	return &alertLimiter{
		cooldown:  cooldown,
		maxIssues: maxIssues,
		maxFixes:  maxFixes,
		last:      make(map[string]time.Time),
	}
}

// alertKey groups issues by type and the start of their description.
func alertKey(i Issue) string {
	desc := []rune(i.Description)
	if len(desc) > 50 {
		desc = desc[:50]
	}
	return i.Type + "_" + string(desc)
}

// issues drops issues reported within the cooldown and caps each type.
func (l *alertLimiter) issues(in []Issue, now time.Time) []Issue {
	for k, t := range l.last {
		if now.Sub(t) >= l.cooldown {
			delete(l.last, k)
		}
	}

	out := []Issue{}
	perType := make(map[string]int)
	for _, i := range in {
		key := alertKey(i)
		if t, ok := l.last[key]; ok && now.Sub(t) < l.cooldown {
			continue
		}
		if perType[i.Type] >= l.maxIssues {
			continue
		}
		out = append(out, i)
		perType[i.Type]++
		l.last[key] = now
	}
	return out
}

// fixes caps each fix type. Repairs are applied regardless; only the report
// is trimmed.
func (l *alertLimiter) fixes(in []Fix) []Fix {
	out := []Fix{}
	perType := make(map[string]int)
	for _, f := range in {
		if perType[f.Type] >= l.maxFixes {
			continue
		}
		out = append(out, f)
		perType[f.Type]++
	}
	return out
}
