package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const logTimestampLayout = "2006-01-02 15:04:05"

const ansiReset = "\x1b[0m"

// levelStyles maps the slog levels to a label and ANSI colour, ordered from
// most to least severe.
var levelStyles = []struct {
	min   slog.Level
	label string
	color string
}{
	{slog.LevelError, "ERROR", "\x1b[31m"},
	{slog.LevelWarn, "WARN", "\x1b[33m"},
	{slog.LevelInfo, "INFO", "\x1b[34m"},
	{slog.LevelDebug - 100, "DEBUG", "\x1b[90m"},
}

// Header identifiers lifted out of the field list. The component is shown in
// brackets and these as "pipeline run · stage · work item".
var headerKeys = []string{FieldPipeline, FieldRunID, FieldStage, FieldWorkItemID}

// consoleHandler prints a human readable header line per record followed by
// one indented "key: value" line per remaining attribute.
type consoleHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	bound  fieldSet
	groups string
	source bool
	color  bool
}

func newConsoleHandler(w io.Writer, lvl slog.Leveler, addSource, color bool) slog.Handler {
	return &consoleHandler{mu: &sync.Mutex{}, out: w, level: lvl, source: addSource, color: color}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < h.level.Level() {
		return nil
	}
	fields := h.bound.clone()
	record.Attrs(func(attr slog.Attr) bool {
		fields.collect(h.groups, attr)
		return true
	})

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	label, color := styleFor(record.Level)
	if h.color {
		label = color + label + ansiReset
	}

	var buf bytes.Buffer
	buf.WriteString(ts.In(time.Local).Format(logTimestampLayout))
	buf.WriteByte(' ')
	buf.WriteString(label)
	if component := fields.take(FieldComponent); component != "" {
		fmt.Fprintf(&buf, " [%s]", component)
	}
	if subject := h.subject(&fields); subject != "" {
		buf.WriteByte(' ')
		buf.WriteString(subject)
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	buf.WriteString(" – ")
	buf.WriteString(msg)
	if src := record.Source(); h.source && src != nil {
		fmt.Fprintf(&buf, " [%s:%d]", filepath.Base(src.File), src.Line)
	}
	buf.WriteByte('\n')
	for _, key := range fields.order {
		fmt.Fprintf(&buf, "    %s: %s\n", key, renderValue(fields.values[key], true))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) subject(fields *fieldSet) string {
	ids := make(map[string]string, len(headerKeys))
	for _, key := range headerKeys {
		ids[key] = strings.TrimSpace(fields.take(key))
	}
	parts := make([]string, 0, 3)
	for _, part := range []string{
		strings.TrimSpace(ids[FieldPipeline] + " " + ids[FieldRunID]),
		ids[FieldStage],
		ids[FieldWorkItemID],
	} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " · ")
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = h.bound.clone()
	for _, attr := range attrs {
		next.bound.collect(h.groups, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.bound = h.bound.clone()
	next.groups = joinKey(h.groups, name)
	return &next
}

func styleFor(level slog.Level) (string, string) {
	for _, s := range levelStyles {
		if level >= s.min {
			return s.label, s.color
		}
	}
	last := levelStyles[len(levelStyles)-1]
	return last.label, last.color
}

// fieldSet keeps attributes in first-seen order; a repeated key overwrites
// the earlier value in place.
type fieldSet struct {
	order  []string
	values map[string]slog.Value
}

func (f fieldSet) clone() fieldSet {
	out := fieldSet{order: append([]string(nil), f.order...), values: make(map[string]slog.Value, len(f.values))}
	for k, v := range f.values {
		out.values[k] = v
	}
	return out
}

func (f *fieldSet) collect(prefix string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	v := attr.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		inner := prefix
		if attr.Key != "" {
			inner = joinKey(prefix, attr.Key)
		}
		for _, member := range v.Group() {
			f.collect(inner, member)
		}
		return
	}
	key := joinKey(prefix, attr.Key)
	if key == "" {
		return
	}
	if f.values == nil {
		f.values = make(map[string]slog.Value)
	}
	if _, seen := f.values[key]; !seen {
		f.order = append(f.order, key)
	}
	f.values[key] = v
}

// take removes key from the field list and returns its plain string form.
func (f *fieldSet) take(key string) string {
	v, ok := f.values[key]
	if !ok {
		return ""
	}
	delete(f.values, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return renderValue(v, false)
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	}
	return prefix + "." + key
}

// renderValue formats v for display. With quote set, strings that contain
// whitespace, '=' or '"' (and empty strings) are quoted.
func renderValue(v slog.Value, quote bool) string {
	var s string
	switch v.Kind() {
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().In(time.Local).Format(logTimestampLayout)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if quote && (s == "" || strings.ContainsAny(s, " \t\n\r=\"")) {
		return strconv.Quote(s)
	}
	return s
}
