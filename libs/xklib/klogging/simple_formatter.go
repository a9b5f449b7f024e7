package klogging

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// SimpleFormatter implements logrus.Formatter: one line, event and msg first, then sorted fields.
type SimpleFormatter struct {
}

func NewSimpleFormatter() logrus.Formatter {
	return &SimpleFormatter{}
}

func (f *SimpleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(strings.ToUpper(entry.Level.String()))
	if event, ok := entry.Data["event"]; ok {
		sb.WriteString(" event=")
		sb.WriteString(fmt.Sprintf("%v", event))
	}
	sb.WriteString(" msg=")
	sb.WriteString(AddingAdditionalQuotes(entry.Message))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "event" || k == "time" || k == "level" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString("=")
		switch v := entry.Data[k].(type) {
		case string:
			sb.WriteString(AddingAdditionalQuotes(v))
		case int:
			sb.WriteString(strconv.Itoa(v))
		case int64:
			sb.WriteString(strconv.FormatInt(v, 10))
		case bool:
			sb.WriteString(strconv.FormatBool(v))
		default:
			sb.WriteString(fmt.Sprintf("%v", v))
		}
	}
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

func AddingAdditionalQuotes(v string) string {
	v = strings.ReplaceAll(v, "\n", "")
	if v == "" || strings.Contains(v, " ") {
		return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
	}
	return v
}
