package polyleaf

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	cockroacherr "github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

// errRestart is the Restart signal from spec.md section 7: "Local,
// transparent retry in the tree driver". It is deliberately a bare
// sentinel, never wrapped with cockroachdb/errors, so raising it never
// allocates a stack trace — the spec requires it to be cheap.
var errRestart = errors.New("polyleaf: restart")

// isRestart reports whether err is the Restart signal.
func isRestart(err error) bool {
	return errors.Is(err, errRestart)
}

// ErrTooBig is the HarnessTooBig caller error from spec.md section 7:
// key+payload exceeded Config.MaxKVSize().
var ErrTooBig = errors.New("polyleaf: key+payload exceeds maxKVSize")

// ErrNotFound is returned by Lookup when the key is absent. It is a normal,
// user-observable outcome (spec.md section 7: "absence of a key (lookup)"),
// not a fatal condition.
var ErrNotFound = errors.New("polyleaf: key not found")

// ErrScanTooDeep is returned by RangeLookup when a scan crosses more than
// maxScanLeaves leaf boundaries (see tree.go). spec.md's
// Design Notes (§9, open question a) call the original's silent abort a
// defect; this is the redesigned, observable replacement (see SPEC_FULL.md
// F.4).
var ErrScanTooDeep = errors.New("polyleaf: range scan exceeded leaf-hop limit")

// fatalKind distinguishes the two process-terminating error kinds from
// spec.md section 7.
type fatalKind int

const (
	fatalIO fatalKind = iota
	fatalBadConfig
)

// fatalError carries a stack trace (via cockroachdb/errors) for diagnostics.
type fatalError struct {
	kind fatalKind
	err  error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func newIOError(format string, args ...any) *fatalError {
	return &fatalError{kind: fatalIO, err: cockroacherr.Newf("polyleaf: io error: "+format, args...)}
}

func newBadConfigError(format string, args ...any) *fatalError {
	return &fatalError{kind: fatalBadConfig, err: cockroacherr.Newf("polyleaf: bad config: "+format, args...)}
}

// wrap attaches a causal error, keeping the cockroachdb/errors stack trace
// rooted at the original call site.
func (f *fatalError) wrap(cause error) *fatalError {
	f.err = cockroacherr.Wrap(cause, f.err.Error())
	return f
}

var fatalLogOnce sync.Once
var fatalLogger = log.New(os.Stderr, "polyleaf: FATAL: ", log.LstdFlags|log.Lmicroseconds)

// abort reports a fatal error (IOError or BadConfig) to Sentry on a
// best-effort basis and terminates the process. Per spec.md section 7,
// I/O and configuration errors are not recoverable: "terminate the
// process". It is never called for Restart or caller errors.
func abort(err *fatalError) {
	fatalLogOnce.Do(func() {
		if dsn := os.Getenv("POLYLEAF_SENTRY_DSN"); dsn != "" {
			_ = sentry.Init(sentry.ClientOptions{Dsn: dsn})
		}
	})
	sentry.CaptureException(err)
	sentry.Flush(sentryFlushTimeout)
	fatalLogger.Printf("%+v", err.err)
	os.Exit(1)
}

func fatalf(kind fatalKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch kind {
	case fatalIO:
		abort(newIOError("%s", msg))
	case fatalBadConfig:
		abort(newBadConfigError("%s", msg))
	}
}
