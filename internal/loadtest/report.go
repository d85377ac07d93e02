// internal/loadtest/report.go
package loadtest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Report renders the summary as plain text.
func (s *Summary) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "load test %q (scenario %s, concurrency %d)\n", s.TestName, s.Scenario, s.Concurrency)
	fmt.Fprintf(&b, "  elapsed:    %s\n", s.EndTime.Sub(s.StartTime).Round(time.Millisecond))
	fmt.Fprintf(&b, "  executions: %s (%s ok, %s failed, %s cached)\n",
		humanize.Comma(s.TotalRequests),
		humanize.Comma(s.SuccessCount),
		humanize.Comma(s.FailureCount),
		humanize.Comma(s.CachedCount))
	fmt.Fprintf(&b, "  throughput: %s/s\n", humanize.CommafWithDigits(s.RequestsPerSec, 2))
	fmt.Fprintf(&b, "  error rate: %.2f%%\n", s.ErrorRate*100)
	fmt.Fprintf(&b, "  in flight:  peak %d\n", s.PeakInFlight)

	if s.TotalRequests > 0 {
		fmt.Fprintf(&b, "  latency:    min %s  avg %s  p50 %s  p95 %s  p99 %s  max %s\n",
			round(s.MinLatency), round(s.AvgLatency), round(s.P50Latency),
			round(s.P95Latency), round(s.P99Latency), round(s.MaxLatency))
	}

	if len(s.Errors) > 0 {
		keys := make([]string, 0, len(s.Errors))
		for k := range s.Errors {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if s.Errors[keys[i]] != s.Errors[keys[j]] {
				return s.Errors[keys[i]] > s.Errors[keys[j]]
			}
			return keys[i] < keys[j]
		})
		b.WriteString("  errors:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %6s  %s\n", humanize.Comma(s.Errors[k]), k)
		}
	}

	return b.String()
}

func round(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return d.Round(time.Microsecond)
	}
	return d.Round(100 * time.Microsecond)
}
