package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/go-sql-driver/mysql"
)

// Kind classifies a delivery error for retry decisions.
type Kind string

const (
	// KindTransient covers connectivity problems: retried indefinitely.
	KindTransient Kind = "transient"
	// KindPermanent covers rows the server structurally rejects: bounded
	// retries, then dead-letter.
	KindPermanent Kind = "permanent"
)

// MySQL error numbers that indicate the row itself is unacceptable.
// Anything else gets the benefit of the doubt and is retried.
var permanentMySQLErrors = map[uint16]bool{
	1048: true, // column cannot be null
	1054: true, // unknown column
	1064: true, // syntax error
	1264: true, // value out of range
	1292: true, // incorrect value (truncated)
	1366: true, // incorrect value for column
	1406: true, // data too long for column
	3140: true, // invalid JSON text
}

// Classify maps a WriteBatch error to a retry kind. Unknown errors are
// transient: retrying forever is recoverable, dropping data is not.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if permanentMySQLErrors[myErr.Number] {
			return KindPermanent
		}
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return KindTransient
	}

	return KindTransient
}
