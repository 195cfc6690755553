// Package classify maps deployment errors to a severity and a
// recoverable/fatal verdict, and keeps the durable error audit trail.
//
// The classifier's verdict is the only input deciding whether the
// pipeline retries or rolls back. Call sites never make that choice
// themselves; the shell ancestry of this system was full of "log a
// warning and proceed" paths that reported success over silent failures,
// and centralizing the policy here is the fix. Unknown codes default to
// fatal: safety over availability.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/meridian-sys/spokectl/internal/breaker"
	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/storage"
)

// Code identifies a deployment error class.
//
// Ranges: 1xx network/transient, 2xx container and process, 3xx
// configuration, 4xx data and schema, 5xx coordination.
type Code int

// Error codes raised by the engine and its phase functions.
const (
	// CodeUnknown is any error no one classified. Always fatal.
	CodeUnknown Code = 0

	CodeNetworkUnreachable Code = 101
	CodeConnectionRefused  Code = 102
	CodeTimeout            Code = 103
	CodeDNSFailure         Code = 104

	CodeContainerStart     Code = 201
	CodeContainerUnhealthy Code = 202
	CodeProcessExit        Code = 203

	CodeInvalidConfig   Code = 301
	CodeInvalidPhase    Code = 302
	CodeDependencyCycle Code = 303
	CodeSnapshotCorrupt Code = 304

	CodeSchemaConflict Code = 401
	CodeDataSeed       Code = 402

	CodeLockContention Code = 501
	CodeCircuitOpen    Code = 502
)

// Verdict is the classifier's decision for one error code.
type Verdict struct {
	// Severity ranges 1 (noise) to 5 (deployment-ending).
	Severity int

	// Recoverable decides retry (true) versus rollback (false).
	Recoverable bool

	// Remediation is the operator hint shown on failure.
	Remediation string
}

// table is the static, total classification table. Every code the system
// can raise has an entry; anything else falls through to fatalDefault.
var table = map[Code]Verdict{
	CodeNetworkUnreachable: {Severity: 2, Recoverable: true, Remediation: "check network connectivity to the target host and any VPN or firewall in the path"},
	CodeConnectionRefused:  {Severity: 2, Recoverable: true, Remediation: "the service is not listening yet; it may still be starting"},
	CodeTimeout:            {Severity: 2, Recoverable: true, Remediation: "the operation exceeded its deadline; the dependency may be slow or overloaded"},
	CodeDNSFailure:         {Severity: 3, Recoverable: true, Remediation: "verify the hostname resolves from this machine"},

	CodeContainerStart:     {Severity: 3, Recoverable: true, Remediation: "inspect the container runtime logs for the failing service"},
	CodeContainerUnhealthy: {Severity: 3, Recoverable: true, Remediation: "the service started but never reported healthy; check its logs and resource limits"},
	CodeProcessExit:        {Severity: 3, Recoverable: true, Remediation: "the phase command exited non-zero; its stderr is in the error log"},

	CodeInvalidConfig:   {Severity: 5, Recoverable: false, Remediation: "fix the instance configuration; retrying cannot help"},
	CodeInvalidPhase:    {Severity: 5, Recoverable: false, Remediation: "phase name is outside the deployment sequence; this is a caller bug"},
	CodeDependencyCycle: {Severity: 5, Recoverable: false, Remediation: "the service dependency graph contains a cycle; fix depends_on in the services file"},
	CodeSnapshotCorrupt: {Severity: 5, Recoverable: false, Remediation: "checkpoint snapshot failed integrity verification; do not roll back onto it"},

	CodeSchemaConflict: {Severity: 5, Recoverable: false, Remediation: "manual schema reconciliation is required before redeploying"},
	CodeDataSeed:       {Severity: 4, Recoverable: false, Remediation: "seed data conflicts with existing records; clear or reconcile before retrying"},

	CodeLockContention: {Severity: 2, Recoverable: true, Remediation: "another pipeline holds this instance; wait for it or check for a stale lock"},
	CodeCircuitOpen:    {Severity: 3, Recoverable: true, Remediation: "the downstream dependency is circuit-broken; wait for retry-after or reset the breaker once it is fixed"},
}

var fatalDefault = Verdict{
	Severity:    5,
	Recoverable: false,
	Remediation: "unclassified error; treat as fatal and inspect the error log before redeploying",
}

// Classify returns the verdict for an error code. Pure and total.
func Classify(code Code) Verdict {
	if v, ok := table[code]; ok {
		return v
	}
	return fatalDefault
}

// Error is an error carrying its classification code. Phase functions
// wrap their failures in one of these; anything unwrapped classifies as
// CodeUnknown and therefore fatal.
type Error struct {
	Code Code
	Err  error
}

// NewError wraps err with a classification code.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the classification code from an error chain.
//
// # Description
//
// Walks the chain for a *Error first; failing that, recognizes the
// engine's own sentinels and common transport failures. Everything else
// is CodeUnknown, which Classify treats as fatal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, phase.ErrInvalidPhase):
		return CodeInvalidPhase
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}

	// DNSError also satisfies net.Error, so it must be checked first.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNSFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeConnectionRefused
	}

	return CodeUnknown
}

// Record is one row of the append-only error audit trail. Never mutated.
type Record struct {
	ID           string         `json:"id"`
	InstanceCode string         `json:"instance_code"`
	ErrorCode    Code           `json:"error_code"`
	Severity     int            `json:"severity"`
	Source       string         `json:"source"`
	Message      string         `json:"message"`
	Remediation  string         `json:"remediation"`
	Context      map[string]any `json:"context,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Recorder appends classified errors to the durable audit trail.
//
// Every error, recoverable or fatal, is recorded before any control-flow
// decision is made on it; partial-failure forensics must never depend on
// in-memory state.
type Recorder struct {
	db *storage.DB
}

// NewRecorder creates a recorder on the given database.
func NewRecorder(db *storage.DB) *Recorder {
	return &Recorder{db: db}
}

func errlogPrefix(instance string) string {
	return "errlog/" + instance + "/"
}

func errlogSeqKey(instance string) []byte {
	return []byte("errlog_seq/" + instance)
}

// Record durably appends an OrchestrationError row and returns the
// verdict for its code, so the caller records and classifies in one
// motion.
func (r *Recorder) Record(ctx context.Context, instance string, code Code, source, message string, extra map[string]any) (Verdict, error) {
	verdict := Classify(code)
	row := Record{
		ID:           uuid.NewString(),
		InstanceCode: instance,
		ErrorCode:    code,
		Severity:     verdict.Severity,
		Source:       source,
		Message:      message,
		Remediation:  verdict.Remediation,
		Context:      extra,
		RecordedAt:   time.Now().UTC(),
	}

	err := r.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		seq, err := storage.NextSeq(txn, errlogSeqKey(instance))
		if err != nil {
			return err
		}
		return storage.SetJSON(txn, storage.SeqKey(errlogPrefix(instance), seq), row)
	})
	if err != nil {
		return verdict, fmt.Errorf("classify: record error for %s: %w", instance, err)
	}
	return verdict, nil
}

// History returns the audit trail for an instance, oldest first.
func (r *Recorder) History(ctx context.Context, instance string) ([]Record, error) {
	var out []Record
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.IterateJSON(txn, errlogPrefix(instance), func(rec Record) {
			out = append(out, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("classify: history %s: %w", instance, err)
	}
	return out, nil
}
