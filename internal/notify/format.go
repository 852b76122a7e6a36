package notify

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"feedgrab/internal/downloader"
)

// maxListedFailures caps the URLs listed in a failure summary.
const maxListedFailures = 10

// FormatDownload formats a successful download as a notification message.
func FormatDownload(profile string, o downloader.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", profile)
	fmt.Fprintf(&b, "Downloaded %s (%s)", filepath.Base(o.Path), humanize.Bytes(uint64(o.Size)))
	if o.URL != "" {
		b.WriteString("\n\n")
		b.WriteString(o.URL)
	}
	return b.String()
}

// FormatFailures summarises the failed downloads of one cycle.
// It returns an empty string when nothing failed.
func FormatFailures(profile string, outcomes []downloader.Outcome) string {
	var failed []downloader.Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", profile)
	fmt.Fprintf(&b, "%d of %d downloads failed:\n", len(failed), len(outcomes))
	for i, o := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "\n...and %d more", len(failed)-maxListedFailures)
			break
		}
		fmt.Fprintf(&b, "\n%s", o.URL)
	}
	return b.String()
}
