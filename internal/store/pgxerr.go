package store

import (
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex/internal/errs"
)

// queryCanceledMessage is the message PostgreSQL sends with SQLSTATE
// 57014 when statement_timeout cancels a query.
const queryCanceledMessage = "canceling statement due to statement timeout"

// ErrorDetails flattens a PostgreSQL error into a details map suitable
// for attaching to an errors.E or for structured logging.
func ErrorDetails(e *pgconn.PgError) map[string]interface{} {
	details := map[string]interface{}{}
	if e.Severity != "" {
		details["severity"] = e.Severity
	}
	if e.Code != "" {
		details["code"] = e.Code
	}
	if e.Message != "" {
		details[zerolog.MessageFieldName] = e.Message
	}
	if e.Detail != "" {
		details["details"] = e.Detail
	}
	if e.Hint != "" {
		details["hint"] = e.Hint
	}
	if e.ConstraintName != "" {
		details["constraintName"] = e.ConstraintName
	}
	if e.TableName != "" {
		details["tableName"] = e.TableName
	}
	return details
}

// WithPgxError wraps err, attaching PostgreSQL error fields as details
// when err is (or wraps) a *pgconn.PgError. A statement-timeout
// cancellation is returned as errs.ErrQueryTimeout with SourceUser and
// code "query_took_too_long".
func WithPgxError(err error) errors.E {
	errE := errors.WithStack(err)
	var e *pgconn.PgError
	if errors.As(err, &e) {
		if e.Code == ErrorCodeQueryCanceled && e.Message == queryCanceledMessage {
			timeoutE := errors.WithStack(errs.ErrQueryTimeout)
			errors.Details(timeoutE)["cause"] = err.Error()
			return errs.WithSource(errs.WithCode(timeoutE, "query_took_too_long"), errs.SourceUser)
		}
		details := errors.Details(errE)
		for key, value := range ErrorDetails(e) {
			details[key] = value
		}
	}
	return errE
}
