package twinsentry

import (
	"math"
)

// Correlated-pattern rules look at the twin's full current state rather than
// at single metrics. Their events carry MultiMetric and a rule-specific score,
// documented per rule.

// SpikeRule fires CRITICAL when packet rate, connection failures and protocol
// ratio all deviate by at least SpikeScore from their mature baselines. The
// event reports the packet rate and its deviation score.
type SpikeRule struct{}

func (SpikeRule) ID() string { return RuleSpike }

func (SpikeRule) Evaluate(in *Input) []AnomalyEvent {
	cfg := in.Patterns
	if _, ok := in.Sample.Metrics[cfg.PacketRateMetric]; !ok {
		return nil
	}
	var rateScore float64
	for _, metric := range []string{cfg.PacketRateMetric, cfg.FailuresMetric, cfg.ProtocolRatioMetric} {
		r, ok := in.Twin.State[metric]
		if !ok {
			return nil
		}
		p, ok := in.mature(metric)
		if !ok {
			return nil
		}
		score := p.Score(r.Value, in.Epsilon)
		if score < cfg.SpikeScore {
			return nil
		}
		if metric == cfg.PacketRateMetric {
			rateScore = score
		}
	}
	return []AnomalyEvent{{
		Metric:   MultiMetric,
		Observed: in.Twin.State[cfg.PacketRateMetric].Value,
		Score:    rateScore,
		Severity: SeverityCritical,
	}}
}

// FloodRule fires CRITICAL when at least FloodMinAttempts connections were
// attempted and the share of failures reaches FloodFailureRate. It needs no
// baseline. The event reports the failure rate; its score is the deviation of
// the failure count when that baseline is mature, else zero.
type FloodRule struct{}

func (FloodRule) ID() string { return RuleFlood }

func (FloodRule) Evaluate(in *Input) []AnomalyEvent {
	cfg := in.Patterns
	_, a := in.Sample.Metrics[cfg.AttemptsMetric]
	_, f := in.Sample.Metrics[cfg.FailuresMetric]
	if !a && !f {
		return nil
	}
	attempts, ok := in.Twin.State[cfg.AttemptsMetric]
	if !ok || attempts.Value < cfg.FloodMinAttempts || attempts.Value <= 0 {
		return nil
	}
	failures, ok := in.Twin.State[cfg.FailuresMetric]
	if !ok {
		return nil
	}
	rate := failures.Value / attempts.Value
	if rate < cfg.FloodFailureRate {
		return nil
	}
	var score float64
	if p, ok := in.mature(cfg.FailuresMetric); ok {
		score = p.Score(failures.Value, in.Epsilon)
	}
	return []AnomalyEvent{{
		Metric:   MultiMetric,
		Observed: rate,
		Score:    score,
		Severity: SeverityCritical,
	}}
}

// BeaconRule fires HIGH when bursts of the beacon metric (values at least
// BeaconBurstScore standard deviations above the baseline mean) recur
// periodically: over the last BeaconWindow inter-arrival intervals either the
// coefficient of variation is at most BeaconMaxJitter, or the normalised
// autocorrelation peaks at BeaconMinAutocorrelation or more for some lag. It is
// evaluated only on samples that are themselves bursts. The event reports the
// mean interval in seconds and the periodicity strength (1 - jitter or the
// peak autocorrelation).
type BeaconRule struct{}

func (BeaconRule) ID() string { return RuleBeacon }

func (BeaconRule) Evaluate(in *Input) []AnomalyEvent {
	cfg := in.Patterns
	n := len(in.Bursts)
	if cfg.BeaconWindow < 2 || n < cfg.BeaconWindow+1 || !in.Bursts[n-1].Equal(in.Sample.Timestamp) {
		return nil
	}
	intervals := make([]float64, n-1)
	for i := 1; i < n; i++ {
		intervals[i-1] = in.Bursts[i].Sub(in.Bursts[i-1]).Seconds()
	}
	mean, sd := meanStdDev(intervals)
	if mean <= 0 {
		return nil
	}

	strength := 1 - sd/mean
	periodic := sd/mean <= cfg.BeaconMaxJitter
	if !periodic {
		for lag := 1; lag <= len(intervals)/2; lag++ {
			if ac := autocorrelation(intervals, lag); ac >= cfg.BeaconMinAutocorrelation {
				periodic, strength = true, ac
				break
			}
		}
	}
	if !periodic {
		return nil
	}
	return []AnomalyEvent{{
		Metric:   MultiMetric,
		Observed: mean,
		Score:    strength,
		Severity: SeverityHigh,
	}}
}

// EntropyRule fires HIGH when the payload sizes of the last EntropyWindow
// samples, bucketed by EntropyBucket, spread so evenly that their normalised
// Shannon entropy reaches EntropyThreshold. Padding and size randomisation used
// to obfuscate tunnels produce such flat distributions. The event reports the
// latest payload size and the normalised entropy.
type EntropyRule struct{}

func (EntropyRule) ID() string { return RuleEntropy }

func (EntropyRule) Evaluate(in *Input) []AnomalyEvent {
	cfg := in.Patterns
	v, ok := in.Sample.Metrics[cfg.PayloadSizeMetric]
	if !ok || cfg.EntropyWindow < 2 || len(in.PayloadSizes) < cfg.EntropyWindow || cfg.EntropyBucket <= 0 {
		return nil
	}
	counts := make(map[int64]int)
	for _, size := range in.PayloadSizes {
		counts[int64(math.Floor(size/cfg.EntropyBucket))]++
	}
	h := shannonEntropy(counts, len(in.PayloadSizes))
	norm := h / math.Log2(float64(len(in.PayloadSizes)))
	if norm < cfg.EntropyThreshold {
		return nil
	}
	return []AnomalyEvent{{
		Metric:   MultiMetric,
		Observed: v,
		Score:    norm,
		Severity: SeverityHigh,
	}}
}

func meanStdDev(xs []float64) (mean, sd float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// autocorrelation returns the normalised autocorrelation of xs at lag. A
// constant series has no defined autocorrelation and yields zero.
func autocorrelation(xs []float64, lag int) float64 {
	mean, _ := meanStdDev(xs)
	var num, den float64
	for i, x := range xs {
		den += (x - mean) * (x - mean)
		if i+lag < len(xs) {
			num += (x - mean) * (xs[i+lag] - mean)
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// shannonEntropy returns the entropy in bits of a histogram of total
// observations.
func shannonEntropy[K comparable](counts map[K]int, total int) float64 {
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
