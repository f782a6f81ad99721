package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"stevedore/internal/daemon"
	"stevedore/internal/services"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.Und)

// titleLabel turns snake_case identifiers such as "download" or
// "not_accepting" into display labels.
func titleLabel(value string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, "_", " "))
	if value == "" {
		return "-"
	}
	return titleCaser.String(value)
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func resultKind(result string) statusKind {
	switch result {
	case services.ResultSuccess:
		return statusOK
	case services.ResultAborted:
		return statusWarn
	case services.ResultFailed:
		return statusError
	default:
		return statusInfo
	}
}

// progressText summarizes an item's last progress report.
func progressText(p *daemon.ProgressView) string {
	if p == nil {
		return ""
	}
	switch {
	case p.BytesTotal > 0:
		pct := float64(p.BytesDone) / float64(p.BytesTotal) * 100
		return fmt.Sprintf("%s %s/%s (%.0f%%)", p.Message,
			humanize.IBytes(uint64(p.BytesDone)), humanize.IBytes(uint64(p.BytesTotal)), pct)
	case p.BytesDone > 0:
		return fmt.Sprintf("%s %s", p.Message, humanize.IBytes(uint64(p.BytesDone)))
	default:
		return p.Message
	}
}

func relativeTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return humanize.Time(ts)
}

func itemRows(items []daemon.ItemView) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		state := titleLabel(item.State)
		if item.Result != "" {
			state = titleLabel(item.Result)
		}
		detail := item.Error
		if detail == "" {
			detail = progressText(item.Progress)
		}
		rows = append(rows, []string{
			item.Handle,
			titleLabel(item.Operation),
			item.PackageID,
			item.SourceID,
			state,
			titleLabel(item.Stage),
			relativeTime(item.CreatedAt),
			detail,
		})
	}
	return rows
}

var itemHeaders = []string{"Handle", "Operation", "Package", "Source", "State", "Stage", "Created", "Detail"}

// describeItem renders one item as aligned status lines.
func describeItem(out io.Writer, item daemon.ItemView, colorize bool) {
	for _, line := range renderSectionHeader(titleLabel(item.Operation)+" "+item.PackageID, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Handle", statusInfo, item.Handle, colorize))
	fmt.Fprintln(out, renderStatusLine("Source", statusInfo, item.SourceID, colorize))
	fmt.Fprintln(out, renderStatusLine("State", statusInfo, titleLabel(item.State), colorize))
	if item.Stage != "" {
		fmt.Fprintln(out, renderStatusLine("Stage", statusInfo, titleLabel(item.Stage), colorize))
	}
	if text := progressText(item.Progress); text != "" {
		fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, text, colorize))
	}
	if item.Result != "" {
		fmt.Fprintln(out, renderStatusLine("Result", resultKind(item.Result), titleLabel(item.Result), colorize))
	}
	if item.Error != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, item.Error, colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Created", statusInfo, item.CreatedAt.Local().Format(time.DateTime), colorize))
	if !item.FinishedAt.IsZero() {
		fmt.Fprintln(out, renderStatusLine("Finished", statusInfo, item.FinishedAt.Local().Format(time.DateTime), colorize))
	}
}
