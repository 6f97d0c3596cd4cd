package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

func TestPolicyFor_Mapping(t *testing.T) {
	cases := []struct {
		kind domain.ErrorKind
		want domain.PolicyKind
	}{
		{domain.KindInvalidFileType, domain.PolicyNoRetry},
		{domain.KindFileTooLarge, domain.PolicyNoRetry},
		{domain.KindWorkerTimeout, domain.PolicyNoRetry},
		{domain.KindMemoryExhausted, domain.PolicyNoRetry},
		{domain.KindUserCanceled, domain.PolicyNoRetry},
		{domain.KindFileLocked, domain.PolicyImmediate},
		{domain.KindStorageUnavailable, domain.PolicyLinear},
		{domain.KindVectorStoreWrite, domain.PolicyLinear},
		{domain.KindChunkingError, domain.PolicyLinear},
		{domain.KindExtractionFailed, domain.PolicyExponential},
		{domain.KindOCREngineError, domain.PolicyExponential},
		{domain.KindEmbeddingAPIError, domain.PolicyExponential},
		{domain.KindEmbeddingRateLimited, domain.PolicyDelayedFixed},
		{domain.KindUnknown, domain.PolicyExponential},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, domain.PolicyFor(tc.kind).Kind, "kind %s", tc.kind)
	}
}

func TestRetryPolicy_ExponentialSchedule(t *testing.T) {
	p := domain.PolicyFor(domain.KindExtractionFailed)
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(2))
	assert.Equal(t, 25*time.Second, p.Delay(3))
	assert.Equal(t, 125*time.Second, p.Delay(4))
	// Capped at 125s thereafter.
	assert.Equal(t, 125*time.Second, p.Delay(5))
}

func TestRetryPolicy_LinearSchedule(t *testing.T) {
	p := domain.PolicyFor(domain.KindStorageUnavailable)
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3))
}

func TestRetryPolicy_DelayedFixed(t *testing.T) {
	p := domain.PolicyFor(domain.KindEmbeddingRateLimited)
	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, 30*time.Second, p.Delay(3))
}

func TestRetryPolicy_ShouldRetryBudget(t *testing.T) {
	p := domain.PolicyFor(domain.KindEmbeddingAPIError) // max 4 attempts
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(4))
	assert.False(t, p.ShouldRetry(5))

	nr := domain.PolicyFor(domain.KindDiskFull)
	assert.False(t, nr.ShouldRetry(0))
	assert.False(t, nr.ShouldRetry(1))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, domain.KindEmbeddingRateLimited, domain.ClassifyError(errors.New("429 rate limit exceeded")))
	assert.Equal(t, domain.KindWorkerTimeout, domain.ClassifyError(errors.New("context deadline exceeded")))
	assert.Equal(t, domain.KindNetworkError, domain.ClassifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, domain.KindDiskFull, domain.ClassifyError(errors.New("write: no space left on device")))
	assert.Equal(t, domain.KindUnknown, domain.ClassifyError(errors.New("???")))
}

func TestClassifyError_PrefersTypedKind(t *testing.T) {
	pe := domain.NewPipelineError(domain.KindVectorStoreWrite, "store", "upsert failed", errors.New("status 500"))
	wrapped := fmt.Errorf("op=worker.store: %w", pe)
	assert.Equal(t, domain.KindVectorStoreWrite, domain.ClassifyError(wrapped))
}

func TestFailureStateFor(t *testing.T) {
	assert.Equal(t, domain.StateFailedUpload, domain.FailureStateFor("upload"))
	assert.Equal(t, domain.StateFailedEmbed, domain.FailureStateFor("embed"))
	assert.Equal(t, domain.StateFailedTimeout, domain.FailureStateFor("timeout"))
	assert.Equal(t, domain.StateFailedValidation, domain.FailureStateFor("bogus"))
}
