// Package log provides the logrus formatters used by syncworker.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is used by both the text and JSON formatters
const TimestampFormat = time.RFC3339Nano

// NewFormatter returns the formatter for the process-wide logger.
// Text output keeps full timestamps and sorted fields so that lines from
// several instances can be merged and compared.
func NewFormatter(jsonOutput bool) logrus.Formatter {
	if jsonOutput {
		return &logrus.JSONFormatter{
			TimestampFormat: TimestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  TimestampFormat,
		DisableColors:    true,
		QuoteEmptyFields: true,
		SortingFunc:      sortFields,
	}
}

// sortFields puts level and msg first, the rest stays alphabetical
func sortFields(keys []string) {
	rank := func(k string) int {
		switch k {
		case logrus.FieldKeyTime:
			return 0
		case logrus.FieldKeyLevel:
			return 1
		case logrus.FieldKeyMsg:
			return 2
		}
		return 3
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0; j-- {
			a, b := keys[j-1], keys[j]
			if rank(a) < rank(b) || (rank(a) == rank(b) && a <= b) {
				break
			}
			keys[j-1], keys[j] = b, a
		}
	}
}
