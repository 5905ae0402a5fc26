package cmn

import "errors"

// Error classes from spec §7. Components wrap one of these sentinels with
// fmt.Errorf("%w: ...", ...) so callers can classify with errors.Is without
// string matching, following the teacher's cmn typed-error style.
var (
	// ErrTransport covers connectivity, TLS, timeout, and HTTP >= 400
	// responses. Recovered locally by retry; escalated to a failure
	// counter only after the final attempt.
	ErrTransport = errors.New("transport error")

	// ErrParse covers encoding and malformed-HTML failures. The offending
	// page is logged and skipped; it is never retried.
	ErrParse = errors.New("parse error")

	// ErrFile covers disk-full, permission, and partial-write failures.
	// The partially written temp file is removed before this is returned.
	ErrFile = errors.New("file error")

	// ErrSchema covers a missing table on a failover or sync target.
	ErrSchema = errors.New("schema error")

	// ErrExpectedDrift marks a replication apply failure (constraint
	// violation, lost connection) that periodic reconciliation will
	// correct; it is logged, not escalated to alerting.
	ErrExpectedDrift = errors.New("expected replication drift")

	// ErrSchemaOrConn marks a replication failure that is NOT ordinary
	// drift -- a missing table or unreachable node -- and must reach
	// alerting rather than being silently absorbed.
	ErrSchemaOrConn = errors.New("schema or connection failure")

	// ErrSequenceCollision marks an id collision handled by upsert
	// semantics; the caller advances the sequence past max(id) in
	// response.
	ErrSequenceCollision = errors.New("sequence collision")

	// ErrNoHealthyPrimary is the hard failure surfaced to a writer when
	// no node in the cluster can be promoted.
	ErrNoHealthyPrimary = errors.New("no healthy primary available")

	// ErrFailoverInFlight is returned when a second failover is
	// requested while one is already switching.
	ErrFailoverInFlight = errors.New("failover already in progress")

	// ErrCrawlInFlight is returned by the control-plane facade when a
	// second crawl is requested while one is already running.
	ErrCrawlInFlight = errors.New("crawl already in progress")
)
