package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the stable error code attached to failed jobs. The set is
// exhaustive; Unknown covers anything not classified.
type ErrorKind string

const (
	KindInvalidFileType           ErrorKind = "InvalidFileType"
	KindFileTooLarge              ErrorKind = "FileTooLarge"
	KindInvalidProject            ErrorKind = "InvalidProject"
	KindDuplicateIngest           ErrorKind = "DuplicateIngest"
	KindFileNotFound              ErrorKind = "FileNotFound"
	KindFileCorrupted             ErrorKind = "FileCorrupted"
	KindFileLocked                ErrorKind = "FileLocked"
	KindStorageUnavailable        ErrorKind = "StorageUnavailable"
	KindExtractionFailed          ErrorKind = "ExtractionFailed"
	KindOCREngineError            ErrorKind = "OCREngineError"
	KindOCRLowConfidence          ErrorKind = "OCRLowConfidence"
	KindChunkingError             ErrorKind = "ChunkingError"
	KindEmbeddingAPIError         ErrorKind = "EmbeddingAPIError"
	KindEmbeddingRateLimited      ErrorKind = "EmbeddingRateLimited"
	KindEmbeddingQuotaExceeded    ErrorKind = "EmbeddingQuotaExceeded"
	KindEmbeddingModelUnavailable ErrorKind = "EmbeddingModelUnavailable"
	KindVectorStoreConnection     ErrorKind = "VectorStoreConnection"
	KindVectorStoreWrite          ErrorKind = "VectorStoreWrite"
	KindIndexCorruption           ErrorKind = "IndexCorruption"
	KindWorkerTimeout             ErrorKind = "WorkerTimeout"
	KindMemoryExhausted           ErrorKind = "MemoryExhausted"
	KindDiskFull                  ErrorKind = "DiskFull"
	KindNetworkError              ErrorKind = "NetworkError"
	KindUserCanceled              ErrorKind = "UserCanceled"
	KindSystemCanceled            ErrorKind = "SystemCanceled"
	KindUnknown                   ErrorKind = "Unknown"
)

// PipelineError is a typed stage failure. Stages return these instead of
// raw errors so the driver can map them to transitions and retry policy.
type PipelineError struct {
	Kind   ErrorKind
	Stage  string
	Msg    string
	Detail map[string]string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Kind, e.Stage, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Msg)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError builds a PipelineError for a stage.
func NewPipelineError(kind ErrorKind, stage, msg string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Msg: msg, Err: err}
}

// IsCancel reports whether k is one of the cancellation kinds.
func (k ErrorKind) IsCancel() bool {
	return k == KindUserCanceled || k == KindSystemCanceled
}

// PolicyKind names a retry delay schedule.
type PolicyKind string

const (
	PolicyNoRetry      PolicyKind = "no_retry"
	PolicyImmediate    PolicyKind = "immediate"
	PolicyLinear       PolicyKind = "linear"
	PolicyExponential  PolicyKind = "exponential"
	PolicyDelayedFixed PolicyKind = "delayed_fixed"
)

// RetryPolicy maps an error kind to its delay schedule and attempt budget.
type RetryPolicy struct {
	Kind        PolicyKind
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns the wait before retry attempt n (1-based: n == 1 is the
// first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	switch p.Kind {
	case PolicyImmediate:
		return 0
	case PolicyLinear:
		return time.Duration(n) * p.Base
	case PolicyExponential:
		d := p.Base
		for i := 1; i < n; i++ {
			d *= 5
			if d >= p.Cap {
				return p.Cap
			}
		}
		if d > p.Cap {
			return p.Cap
		}
		return d
	case PolicyDelayedFixed:
		return p.Base
	default:
		return 0
	}
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have already run.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return p.Kind != PolicyNoRetry && attempt < p.MaxAttempts+1
}

var (
	noRetry      = RetryPolicy{Kind: PolicyNoRetry}
	immediate    = RetryPolicy{Kind: PolicyImmediate, MaxAttempts: 3}
	linear1s     = RetryPolicy{Kind: PolicyLinear, Base: time.Second, MaxAttempts: 4}
	exponential  = RetryPolicy{Kind: PolicyExponential, Base: time.Second, Cap: 125 * time.Second, MaxAttempts: 4}
	delayedFixed = RetryPolicy{Kind: PolicyDelayedFixed, Base: 30 * time.Second, MaxAttempts: 3}
)

// PolicyFor maps an error kind to its retry policy.
func PolicyFor(kind ErrorKind) RetryPolicy {
	switch kind {
	case KindInvalidFileType, KindFileTooLarge, KindInvalidProject,
		KindDuplicateIngest, KindWorkerTimeout, KindMemoryExhausted,
		KindDiskFull, KindUserCanceled, KindSystemCanceled:
		return noRetry
	case KindFileLocked:
		return immediate
	case KindStorageUnavailable, KindChunkingError,
		KindVectorStoreConnection, KindVectorStoreWrite:
		return linear1s
	case KindExtractionFailed, KindOCREngineError, KindEmbeddingAPIError:
		return exponential
	case KindEmbeddingRateLimited:
		return delayedFixed
	default:
		return exponential
	}
}

// FailureStateFor maps a stage label to its failure state.
func FailureStateFor(stage string) State {
	switch stage {
	case "validate":
		return StateFailedValidation
	case "upload":
		return StateFailedUpload
	case "extract":
		return StateFailedExtract
	case "ocr":
		return StateFailedOCR
	case "chunk":
		return StateFailedChunk
	case "embed":
		return StateFailedEmbed
	case "store":
		return StateFailedStore
	case "timeout":
		return StateFailedTimeout
	default:
		return StateFailedValidation
	}
}

// ClassifyError assigns an ErrorKind to an arbitrary error by keyword,
// used when a collaborator returns an untyped failure.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate limit"):
		return KindEmbeddingRateLimited
	case strings.Contains(s, "quota"):
		return KindEmbeddingQuotaExceeded
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return KindWorkerTimeout
	case strings.Contains(s, "connection refused"), strings.Contains(s, "no such host"),
		strings.Contains(s, "network"):
		return KindNetworkError
	case strings.Contains(s, "disk full"), strings.Contains(s, "no space left"):
		return KindDiskFull
	case strings.Contains(s, "not found"):
		return KindFileNotFound
	default:
		return KindUnknown
	}
}
