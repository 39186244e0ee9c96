// Package activity implements C3: a bounded per-user rolling log of request
// patterns, scored for anomalous behavior across several independent
// dimensions.
package activity

import (
	"sync"
	"time"

	sharedmath "github.com/jordigilh/kubernaut-resilience/pkg/shared/math"
)

// RequestPattern is one observed request, as recorded by the admission path.
type RequestPattern struct {
	Timestamp time.Time
	JobType   string
	JobName   string
}

// Config holds the thresholds for each scoring dimension.
type Config struct {
	MaxHistoryPerUser int

	RapidRequestWindow    time.Duration
	RapidRequestThreshold int

	VolumeAnalysisWindow time.Duration
	VolumeThreshold      int

	MinHumanIntervalMs int64

	SuspiciousScoreThreshold float64
}

// DefaultConfig matches the teacher's anomaly-window defaults, adapted to
// request-admission units.
var DefaultConfig = Config{
	MaxHistoryPerUser:        200,
	RapidRequestWindow:       10 * time.Second,
	RapidRequestThreshold:    5,
	VolumeAnalysisWindow:     time.Minute,
	VolumeThreshold:          30,
	MinHumanIntervalMs:       250,
	SuspiciousScoreThreshold: 70,
}

// Analysis is the result of AnalyzeActivity.
type Analysis struct {
	IsSuspicious    bool
	SuspiciousScore float64
	Flags           []string
}

type userHistory struct {
	mu      sync.Mutex
	entries []RequestPattern
}

// Monitor tracks recent request patterns per user and scores them for
// suspicious activity across five independent dimensions, each contributing
// a bounded non-negative addend to a score clamped to [0,100].
type Monitor struct {
	cfg   Config
	mu    sync.RWMutex
	users map[string]*userHistory
}

func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, users: make(map[string]*userHistory)}
}

func (m *Monitor) historyFor(userID string) *userHistory {
	m.mu.RLock()
	h, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.users[userID]; ok {
		return h
	}
	h = &userHistory{}
	m.users[userID] = h
	return h
}

// RecordRequest appends a pattern to the user's bounded rolling log.
func (m *Monitor) RecordRequest(userID string, p RequestPattern) {
	h := m.historyFor(userID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, p)
	if len(h.entries) > m.cfg.MaxHistoryPerUser {
		h.entries = h.entries[len(h.entries)-m.cfg.MaxHistoryPerUser:]
	}
}

// AnalyzeActivity scores the user's recent history across rapid-fire,
// volume, human-interval, uniformity, and target-repetition dimensions.
func (m *Monitor) AnalyzeActivity(userID string) Analysis {
	h := m.historyFor(userID)
	h.mu.Lock()
	entries := make([]RequestPattern, len(h.entries))
	copy(entries, h.entries)
	h.mu.Unlock()

	if len(entries) == 0 {
		return Analysis{}
	}

	now := entries[len(entries)-1].Timestamp
	var score float64
	var flags []string

	// Rapid-fire: count within RapidRequestWindow vs RapidRequestThreshold.
	rapidCount := countSince(entries, now.Add(-m.cfg.RapidRequestWindow))
	if rapidCount > m.cfg.RapidRequestThreshold {
		addend := sharedmath.Clamp(float64(rapidCount-m.cfg.RapidRequestThreshold)*5, 0, 35)
		score += addend
		flags = append(flags, "rapid_fire")
	}

	// Volume: count within VolumeAnalysisWindow vs VolumeThreshold.
	volumeCount := countSince(entries, now.Add(-m.cfg.VolumeAnalysisWindow))
	if volumeCount > m.cfg.VolumeThreshold {
		addend := sharedmath.Clamp(float64(volumeCount-m.cfg.VolumeThreshold)*2, 0, 25)
		score += addend
		flags = append(flags, "high_volume")
	}

	gaps := interArrivalGapsMs(entries)
	if len(gaps) > 0 {
		// Human interval: fraction of gaps below MinHumanIntervalMs.
		var belowHuman int
		for _, g := range gaps {
			if g < float64(m.cfg.MinHumanIntervalMs) {
				belowHuman++
			}
		}
		humanFraction := float64(belowHuman) / float64(len(gaps))
		if humanFraction > 0 {
			addend := sharedmath.Clamp(humanFraction*25, 0, 25)
			score += addend
			if humanFraction > 0.5 {
				flags = append(flags, "sub_human_interval")
			}
		}

		// Uniformity: low coefficient of variation of inter-arrival gaps
		// suggests scripted, evenly-spaced traffic.
		cv := sharedmath.CoefficientOfVariation(gaps)
		if cv < 0.15 && len(gaps) >= 3 {
			addend := sharedmath.Clamp((0.15-cv)*100, 0, 15)
			score += addend
			flags = append(flags, "uniform_interval")
		}
	}

	// Target repetition: fraction of requests to the same (jobType, jobName).
	if repFraction := targetRepetitionFraction(entries); repFraction > 0.6 {
		addend := sharedmath.Clamp((repFraction-0.6)*50, 0, 20)
		score += addend
		flags = append(flags, "target_repetition")
	}

	score = sharedmath.Clamp(score, 0, 100)

	return Analysis{
		IsSuspicious:    score >= m.cfg.SuspiciousScoreThreshold,
		SuspiciousScore: score,
		Flags:           flags,
	}
}

func countSince(entries []RequestPattern, since time.Time) int {
	n := 0
	for _, e := range entries {
		if e.Timestamp.After(since) {
			n++
		}
	}
	return n
}

func interArrivalGapsMs(entries []RequestPattern) []float64 {
	if len(entries) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(entries)-1)
	for i := 1; i < len(entries); i++ {
		gaps = append(gaps, float64(entries[i].Timestamp.Sub(entries[i-1].Timestamp).Milliseconds()))
	}
	return gaps
}

func targetRepetitionFraction(entries []RequestPattern) float64 {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.JobType+"/"+e.JobName]++
	}
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	return float64(maxCount) / float64(len(entries))
}
