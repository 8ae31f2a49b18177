// Package utils holds the small string/closer helpers shared across the
// control plane. Trimmed from the teacher's pkg/utils, which mostly served
// its TUI (colored strings, table rendering, gocui attribute lookups) —
// none of which applies to a headless server; what survives here is the
// handful of helpers actually exercised by this module.
package utils

import (
	"bytes"
	"io"
	"strings"
)

// SplitLines takes a multiline string and splits it on newlines, stripping
// \r's along the way.
func SplitLines(multilineString string) []string {
	multilineString = strings.Replace(multilineString, "\r", "", -1)
	if multilineString == "" || multilineString == "\n" {
		return make([]string, 0)
	}
	lines := strings.Split(multilineString, "\n")
	if lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}

// NormalizeLinefeeds removes Windows and old Mac style line feeds, applied
// to each line read off a container's combined stdout/stderr before it is
// forwarded to an API log consumer.
func NormalizeLinefeeds(str string) string {
	str = strings.Replace(str, "\r\n", "\n", -1)
	str = strings.Replace(str, "\r", "", -1)
	return str
}

type multiErr []error

func (m multiErr) Error() string {
	var b bytes.Buffer
	b.WriteString("encountered multiple errors:")
	for _, err := range m {
		b.WriteString("\n\t... " + err.Error())
	}
	return b.String()
}

// CloseMany closes every closer, continuing past failures, and returns a
// single error aggregating every failure encountered.
func CloseMany(closers []io.Closer) error {
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		err := c.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return multiErr(errs)
	}
	return nil
}

// SafeTruncate truncates str to at most limit bytes, used to shorten a
// full vcs revision down to the short SHA shown as the build version.
func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	}
	return str
}
