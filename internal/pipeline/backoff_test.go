package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCalcBackoffWithinJitterBounds(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}
	for retries := 0; retries < 6; retries++ {
		base := float64(policy.InitialDelay) * pow(policy.Multiplier, retries)
		if base > float64(policy.MaxDelay) {
			base = float64(policy.MaxDelay)
		}
		lower := time.Duration(base * 0.75)
		upper := time.Duration(base * 1.25)
		for i := 0; i < 20; i++ {
			delay := calcBackoff(retries, policy)
			require.GreaterOrEqualf(t, delay, lower, "retries=%d", retries)
			require.LessOrEqualf(t, delay, upper, "retries=%d", retries)
		}
	}
}

func TestCalcBackoffClampsToMaxDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10}
	delay := calcBackoff(5, policy)
	require.LessOrEqual(t, delay, time.Duration(float64(policy.MaxDelay)*1.25))
}

func TestMergeRetryPolicyFillsZeroFields(t *testing.T) {
	merged := mergeRetryPolicy(RetryPolicy{InitialDelay: 5 * time.Second})
	require.Equal(t, 5*time.Second, merged.InitialDelay)
	require.Equal(t, defaultRetryPolicy.MaxDelay, merged.MaxDelay)
	require.Equal(t, defaultRetryPolicy.Multiplier, merged.Multiplier)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
